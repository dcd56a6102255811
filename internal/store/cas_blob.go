package store

import (
	"bytes"
	"io"
	"io/fs"
	"sync"

	ocidigest "github.com/opencontainers/go-digest"

	"forge.dev/engine/internal/blob"
	"forge.dev/engine/internal/blob/filesystem"
)

// CASBlob is a read-only view of one stored file, addressed by digest.
// The digest is usually known from the file's location in the store and
// set up front; when it is not, it is derived lazily from the content and
// remembered.
type CASBlob struct {
	blob *filesystem.Blob

	mu     sync.RWMutex
	digest string
}

var (
	_ blob.ReadOnlyBlob          = (*CASBlob)(nil)
	_ blob.DigestAware           = (*CASBlob)(nil)
	_ blob.DigestPrecalculatable = (*CASBlob)(nil)
	_ blob.SizeAware             = (*CASBlob)(nil)
)

// NewCASBlob creates a CASBlob for the file at path within fsys.
func NewCASBlob(fsys fs.FS, path string) *CASBlob {
	return &CASBlob{blob: filesystem.NewFileBlob(fsys, path)}
}

// ReadCloser returns an io.ReadCloser for the blob.
func (b *CASBlob) ReadCloser() (io.ReadCloser, error) {
	return b.blob.ReadCloser()
}

// Digest returns the digest of the blob.
func (b *CASBlob) Digest() (digest string, known bool) {
	b.mu.RLock()
	if b.digest != "" {
		defer b.mu.RUnlock()
		d := b.digest
		return d, true
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	dig, known := b.blob.Digest()
	if !known {
		return "", false
	}
	b.digest = dig
	return dig, true
}

// HasPrecalculatedDigest checks if a digest is already stored.
func (b *CASBlob) HasPrecalculatedDigest() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.digest != ""
}

// SetPrecalculatedDigest sets the digest, ensuring thread safety.
func (b *CASBlob) SetPrecalculatedDigest(digest string) {
	if digest == "" {
		return // Avoid overwriting with an empty digest
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.digest = digest
}

// Size returns the size of the blob.
func (b *CASBlob) Size() int64 {
	return b.blob.Size()
}

// BytesBlob adapts a byte slice already held in memory to the blob
// contract, computing its digest eagerly so store writes never need to
// buffer it again.
type BytesBlob struct {
	raw    []byte
	digest ocidigest.Digest
}

var (
	_ blob.ReadOnlyBlob = (*BytesBlob)(nil)
	_ blob.DigestAware  = (*BytesBlob)(nil)
	_ blob.SizeAware    = (*BytesBlob)(nil)
)

// NewBytesBlob wraps raw. The slice must not be mutated afterwards.
func NewBytesBlob(raw []byte) *BytesBlob {
	return &BytesBlob{raw: raw, digest: ocidigest.FromBytes(raw)}
}

func (b *BytesBlob) ReadCloser() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.raw)), nil
}

func (b *BytesBlob) Digest() (string, bool) {
	return b.digest.String(), true
}

func (b *BytesBlob) Size() int64 {
	return int64(len(b.raw))
}
