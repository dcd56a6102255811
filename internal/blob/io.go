package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Copy streams src's content into dst. A size-aware source is copied
// with an exact byte count; a digest-aware source is verified while
// copying, and a mismatch fails the copy after the bytes have moved —
// the caller must not treat the destination as addressable until Copy
// returns nil.
func Copy(dst io.Writer, src ReadOnlyBlob) (err error) {
	data, err := src.ReadCloser()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, data.Close())
	}()

	reader := io.Reader(data)
	var verifier digest.Verifier
	if aware, ok := src.(DigestAware); ok {
		if claimed, known := aware.Digest(); known {
			parsed, parseErr := digest.Parse(claimed)
			if parseErr != nil {
				return parseErr
			}
			verifier = parsed.Verifier()
			reader = io.TeeReader(reader, verifier)
		}
	}

	size := SizeUnknown
	if aware, ok := src.(SizeAware); ok {
		size = aware.Size()
	}
	if size > SizeUnknown {
		_, err = io.CopyN(dst, reader, size)
	} else {
		_, err = io.Copy(dst, reader)
	}
	if err != nil {
		return err
	}

	if verifier != nil && !verifier.Verified() {
		return fmt.Errorf("blob digest verification failed")
	}
	return nil
}

// ToBytes reads a blob fully into memory through Copy, keeping its size
// and digest-verification guarantees.
func ToBytes(b ReadOnlyBlob) ([]byte, error) {
	var buf bytes.Buffer
	if aware, ok := b.(SizeAware); ok {
		if size := aware.Size(); size > 0 {
			buf.Grow(int(size))
		}
	}
	if err := Copy(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
