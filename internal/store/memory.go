package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"forge.dev/engine/internal/blob"
	digestpkg "forge.dev/engine/internal/digest"
)

// Memory is a Store kept entirely in process memory. It backs tests and
// short-lived sessions that never want disk state; semantics match CAS
// minus persistence and minus pushing stored entries to a remote.
type Memory struct {
	mu    sync.RWMutex
	blobs map[digestpkg.Digest][]byte
	dirs  map[digestpkg.Digest]Directory

	remote Remote
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store. A remote may be attached for
// EnsureLocal fallthrough.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		blobs: make(map[digestpkg.Digest][]byte),
		dirs:  make(map[digestpkg.Digest]Directory),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MemoryOption configures a Memory store at construction time.
type MemoryOption func(*Memory)

// WithMemoryRemote attaches a remote CAS backend consulted by EnsureLocal.
func WithMemoryRemote(r Remote) MemoryOption {
	return func(m *Memory) { m.remote = r }
}

func (m *Memory) StoreBlob(_ context.Context, b blob.ReadOnlyBlob) (digestpkg.Digest, error) {
	raw, err := blob.ToBytes(b)
	if err != nil {
		return digestpkg.Digest{}, &StoreError{Op: "store blob", Err: err}
	}
	d := digestpkg.FromBytes(raw)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, present := m.blobs[d]; !present {
		m.blobs[d] = raw
	}
	return d, nil
}

// StoreBytes is a convenience wrapper around StoreBlob for in-memory
// payloads.
func (m *Memory) StoreBytes(ctx context.Context, raw []byte) (digestpkg.Digest, error) {
	return m.StoreBlob(ctx, NewBytesBlob(raw))
}

func (m *Memory) LoadBlob(_ context.Context, d digestpkg.Digest) (blob.ReadOnlyBlob, error) {
	if d.Zero() {
		return nil, fmt.Errorf("blob <zero>: %w", ErrNotFound)
	}
	m.mu.RLock()
	raw, present := m.blobs[d]
	m.mu.RUnlock()
	if !present {
		return nil, fmt.Errorf("blob %s: %w", d, ErrNotFound)
	}
	return NewBytesBlob(raw), nil
}

// LoadBytes loads the full content of the blob named by d.
func (m *Memory) LoadBytes(ctx context.Context, d digestpkg.Digest) ([]byte, error) {
	b, err := m.LoadBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	return blob.ToBytes(b)
}

func (m *Memory) StoreDirectory(_ context.Context, dir Directory) (digestpkg.Digest, error) {
	d := digestpkg.FromBytes(dir.Encode())
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, present := m.dirs[d]; !present {
		m.dirs[d] = dir
	}
	return d, nil
}

func (m *Memory) LoadDirectory(_ context.Context, d digestpkg.Digest) (Directory, error) {
	m.mu.RLock()
	dir, present := m.dirs[d]
	m.mu.RUnlock()
	if !present {
		return Directory{}, fmt.Errorf("directory %s: %w", d, ErrNotFound)
	}
	return dir, nil
}

func (m *Memory) Contains(_ context.Context, d digestpkg.Digest) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, present := m.blobs[d]; present {
		return true
	}
	_, present := m.dirs[d]
	return present
}

func (m *Memory) EnsureLocal(ctx context.Context, d digestpkg.Digest) error {
	if m.Contains(ctx, d) {
		return nil
	}
	if m.remote == nil {
		return &RemoteUnavailable{Digest: d, Err: errors.New("no remote configured")}
	}
	rc, err := m.remote.Fetch(ctx, d)
	if err != nil {
		return &RemoteUnavailable{Digest: d, Err: err}
	}
	raw, err := io.ReadAll(rc)
	if err = errors.Join(err, rc.Close()); err != nil {
		return &RemoteUnavailable{Digest: d, Err: err}
	}
	if got := digestpkg.FromBytes(raw); got != d {
		return &StoreError{Op: "remote fetch", Err: fmt.Errorf("digest mismatch: expected %s, got %s", d, got)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[d] = raw
	return nil
}
