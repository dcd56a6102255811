package filesystem

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"forge.dev/engine/internal/blob"
)

// Blob is a read-only blob backed by one file in an fs.FS. Size comes
// from a stat, the digest from hashing the content; neither is cached
// here — store entries that know their digest wrap this type and carry
// it themselves.
type Blob struct {
	fsys fs.FS
	path string
}

var (
	_ blob.ReadOnlyBlob = (*Blob)(nil)
	_ blob.SizeAware    = (*Blob)(nil)
	_ blob.DigestAware  = (*Blob)(nil)
)

// NewFileBlob creates a Blob for the file at path within fsys.
func NewFileBlob(fsys fs.FS, path string) *Blob {
	return &Blob{fsys: fsys, path: path}
}

// GetBlobFromOSPath returns a Blob reading the given file, confined to
// the file's own directory.
func GetBlobFromOSPath(path string) (*Blob, error) {
	path = filepath.Clean(path)
	dir, base := filepath.Dir(path), filepath.Base(path)
	fsys, err := NewFS(dir, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("failed to setup filesystem in %q while trying to create file blob %q: %w", dir, base, err)
	}
	return NewFileBlob(fsys, base), nil
}

// ReadCloser opens the file; each call returns a fresh handle.
func (f *Blob) ReadCloser() (io.ReadCloser, error) {
	file, err := f.fsys.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("unable to open file %q: %w", f.path, err)
	}
	return file, nil
}

// Size returns the file's current size, or SizeUnknown if it cannot be
// determined.
func (f *Blob) Size() int64 {
	fi, err := fs.Stat(f.fsys, f.path)
	if err != nil {
		return blob.SizeUnknown
	}
	return fi.Size()
}

// Digest hashes the file's content.
func (f *Blob) Digest() (string, bool) {
	data, err := f.ReadCloser()
	if err != nil {
		return "", false
	}
	defer func() {
		_ = data.Close()
	}()
	d, err := digest.FromReader(data)
	if err != nil {
		return "", false
	}
	return d.String(), true
}
