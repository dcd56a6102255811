// Package inmemory buffers a reader's content in memory exactly once.
// The store uses it for content that arrives without a digest: the
// buffer is loaded, hashed, and then served to the disk write as a
// re-readable, digest-aware blob. A digest claimed up front is verified
// against the buffered bytes instead of recomputed.
package inmemory

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/opencontainers/go-digest"

	"forge.dev/engine/internal/blob"
)

// Blob reads its source once, on first access, and keeps the bytes in
// memory. After loading, the size and digest are always known and every
// ReadCloser serves the same buffered content independently.
type Blob struct {
	mu     sync.Mutex
	source io.Reader
	loaded bool
	err    error

	data []byte
	// size is the claimed byte count before loading (SizeUnknown if
	// none) and the buffered length after.
	size int64
	// dig is the claimed digest before loading (empty if none) and the
	// verified or computed digest after.
	dig digest.Digest
}

var (
	_ blob.ReadOnlyBlob = (*Blob)(nil)
	_ blob.SizeAware    = (*Blob)(nil)
	_ blob.DigestAware  = (*Blob)(nil)
)

// Option supplies what the caller already knows about the content.
type Option func(*Blob)

// WithSize claims the content's byte count; loading reads exactly that
// many bytes.
func WithSize(size int64) Option {
	return func(b *Blob) { b.size = size }
}

// WithDigest claims the content's digest; loading verifies the buffered
// bytes against it and fails on mismatch.
func WithDigest(dig string) Option {
	return func(b *Blob) { b.dig = digest.Digest(dig) }
}

// New wraps r. The reader is consumed on the first access (or an
// explicit Load) and never again.
func New(r io.Reader, opts ...Option) *Blob {
	b := &Blob{source: r, size: blob.SizeUnknown}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load buffers the source now. It is idempotent; every later call
// returns the first call's result.
func (b *Blob) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load()
}

// load runs under b.mu.
func (b *Blob) load() error {
	if b.loaded {
		return b.err
	}
	b.loaded = true
	b.err = b.fill()
	b.source = nil
	return b.err
}

func (b *Blob) fill() error {
	if b.dig != "" {
		if err := b.dig.Validate(); err != nil {
			return fmt.Errorf("invalid claimed digest %q: %w", b.dig, err)
		}
	}

	var err error
	if b.size > blob.SizeUnknown {
		b.data = make([]byte, b.size)
		_, err = io.ReadFull(b.source, b.data)
	} else {
		b.data, err = io.ReadAll(b.source)
		b.size = int64(len(b.data))
	}
	if err != nil {
		return err
	}

	computed := digest.FromBytes(b.data)
	if b.dig != "" && computed != b.dig {
		return fmt.Errorf("content digest %s differs from claimed digest %s", computed, b.dig)
	}
	b.dig = computed
	return nil
}

// ReadCloser loads the content if needed and returns a fresh reader over
// the buffer.
func (b *Blob) ReadCloser() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.load(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// Data loads the content if needed and returns the buffer. The caller
// must not mutate it. Returns nil if loading failed.
func (b *Blob) Data() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.load() != nil {
		return nil
	}
	return b.data
}

// Size returns the claimed or buffered size, loading if neither is
// known yet. Returns SizeUnknown if loading failed.
func (b *Blob) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size > blob.SizeUnknown {
		return b.size
	}
	if b.load() != nil {
		return blob.SizeUnknown
	}
	return b.size
}

// Digest returns the verified or computed digest, loading if needed.
func (b *Blob) Digest() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.load() != nil {
		return "", false
	}
	return b.dig.String(), true
}
