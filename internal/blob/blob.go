package blob

import (
	"io"
)

// ReadOnlyBlob is a source of byte content. Everything the engine stores
// — file contents, captured stdout and stderr, serialized directories —
// flows through this interface on its way into and out of the store.
type ReadOnlyBlob interface {
	// ReadCloser opens the content for reading. Each call returns a new
	// reader positioned at the start; callers close what they open.
	// Implementations must be safe for concurrent use.
	ReadCloser() (io.ReadCloser, error)
}

// SizeUnknown marks a blob whose byte size has not been determined yet.
const SizeUnknown int64 = -1

// SizeAware is a blob that can report its size without being read. The
// store uses it to copy a known number of bytes instead of buffering.
type SizeAware interface {
	// Size returns the content size in bytes, or SizeUnknown.
	Size() int64
}

// DigestAware is a blob that can report the digest of its content. When
// a blob entering the store knows its digest, the store addresses it
// directly and verifies the claim while copying, instead of reading the
// content twice.
type DigestAware interface {
	// Digest returns the content digest in "<algorithm>:<hex>" form,
	// and whether it is known.
	Digest() (digest string, known bool)
}

// DigestPrecalculatable is a blob whose digest can be supplied up front,
// typically because the content is addressed by it — a store entry is
// named after its own fingerprint, so re-hashing it on load would be
// wasted work.
type DigestPrecalculatable interface {
	// HasPrecalculatedDigest reports whether a digest was supplied.
	HasPrecalculatedDigest() bool
	// SetPrecalculatedDigest supplies the digest. Implementations must
	// be safe for concurrent use.
	SetPrecalculatedDigest(digest string)
}
