// Package digest provides the content-addressing identity used throughout
// the store, snapshot, and process layers: a fingerprint plus a size.
package digest

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	ocidigest "github.com/opencontainers/go-digest"
)

// Digest is the identity of a blob or a canonically serialized Directory:
// a SHA-256 fingerprint paired with the exact byte size it was computed
// over. Two Digests are equal iff their underlying content is
// byte-identical.
type Digest struct {
	Fingerprint ocidigest.Digest
	SizeBytes   int64
}

// Zero reports whether d carries no fingerprint.
func (d Digest) Zero() bool {
	return d.Fingerprint == ""
}

// String renders the digest in "<algo>:<hex>/<size>" form, stable and
// usable directly as a cache key or log field.
func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Fingerprint, d.SizeBytes)
}

// Parse parses the output of String back into a Digest.
func Parse(s string) (Digest, error) {
	fp, sizeStr, ok := strings.Cut(s, "/")
	if !ok {
		return Digest{}, fmt.Errorf("digest: invalid encoding %q, missing size separator", s)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: invalid size in %q: %w", s, err)
	}
	fingerprint := ocidigest.Digest(fp)
	if err := fingerprint.Validate(); err != nil {
		return Digest{}, fmt.Errorf("digest: invalid fingerprint in %q: %w", s, err)
	}
	return Digest{Fingerprint: fingerprint, SizeBytes: size}, nil
}

// FromBytes computes the canonical digest of b.
func FromBytes(b []byte) Digest {
	return Digest{Fingerprint: ocidigest.FromBytes(b), SizeBytes: int64(len(b))}
}

// FromReader consumes r to completion and computes its canonical digest.
func FromReader(r io.Reader) (Digest, error) {
	digester := ocidigest.Canonical.Digester()
	n, err := io.Copy(digester.Hash(), r)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: failed to read content: %w", err)
	}
	return Digest{Fingerprint: digester.Digest(), SizeBytes: n}, nil
}

// Verify re-derives the digest of r and reports whether it matches d. It
// consumes r fully regardless of outcome.
func Verify(r io.Reader, d Digest) error {
	got, err := FromReader(r)
	if err != nil {
		return err
	}
	if got != d {
		return fmt.Errorf("digest: content mismatch: expected %s, got %s", d, got)
	}
	return nil
}

// ShardPath returns the two-level sharded relative path under which a
// fingerprint is stored on disk: "<aa>/<bb>/<fingerprint>", sharded by the
// first four hex characters of the encoded fingerprint so a single
// directory never accumulates an unbounded number of entries.
func (d Digest) ShardPath() string {
	if d.Zero() {
		return ""
	}
	hex := d.Fingerprint.Encoded()
	if len(hex) < 4 {
		return hex
	}
	return fmt.Sprintf("%s/%s/%s", hex[0:2], hex[2:4], hex)
}
