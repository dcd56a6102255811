// Package filesystem provides directory-confined file access and a
// file-backed blob. All path resolution goes through os.Root, so neither
// a crafted relative path nor a symlink can reach outside the tree a
// RootFileSystem was opened on — the same confinement the engine relies
// on for its store root and its sandboxes.
package filesystem

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrReadOnly rejects mutating operations on a filesystem opened with a
// read-only flag.
var ErrReadOnly = fmt.Errorf("read only file system")

// RootFileSystem is a filesystem rooted at, and confined to, a single
// directory. The flag it was opened with bounds what operations are
// allowed: a read-only root rejects every write.
//
// It implements fs.FS, fs.StatFS and fs.ReadDirFS, so stdlib helpers
// like fs.WalkDir work against it directly.
type RootFileSystem struct {
	root *os.Root

	flagMu sync.RWMutex
	flag   int
}

var (
	_ fs.FS        = (*RootFileSystem)(nil)
	_ fs.StatFS    = (*RootFileSystem)(nil)
	_ fs.ReadDirFS = (*RootFileSystem)(nil)
)

// NewFS opens a RootFileSystem on base. With os.O_CREATE the directory
// is created if missing; otherwise it must exist.
func NewFS(base string, flag int) (*RootFileSystem, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path: %w", err)
	}
	fi, err := os.Stat(base)
	switch {
	case os.IsNotExist(err):
		if flag&os.O_CREATE == 0 {
			return nil, fmt.Errorf("path does not exist: %s", base)
		}
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create path: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("unable to stat path: %w", err)
	case !fi.IsDir():
		return nil, fmt.Errorf("path is not a directory: %s", base)
	}
	root, err := os.OpenRoot(base)
	if err != nil {
		return nil, fmt.Errorf("unable to open root on base: %w", err)
	}
	return &RootFileSystem{root: root, flag: flag}, nil
}

// String returns the confining directory.
func (s *RootFileSystem) String() string {
	return s.root.Name()
}

// ReadOnly reports whether mutating operations are rejected.
func (s *RootFileSystem) ReadOnly() bool {
	s.flagMu.RLock()
	defer s.flagMu.RUnlock()
	return isFlagReadOnly(s.flag)
}

// Open opens the named file for reading.
func (s *RootFileSystem) Open(name string) (fs.File, error) {
	return s.root.Open(name)
}

// OpenFile is the generalized open call; flag and perm follow
// os.OpenFile. Write flags are rejected on a read-only root.
func (s *RootFileSystem) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	if s.ReadOnly() && !isFlagReadOnly(flag) {
		return nil, ErrReadOnly
	}
	return s.root.OpenFile(name, flag, perm)
}

// Stat returns file info for the named file.
func (s *RootFileSystem) Stat(name string) (fs.FileInfo, error) {
	return s.root.Stat(name)
}

// ReadDir lists the named directory.
func (s *RootFileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	return fs.ReadDir(s.root.FS(), name)
}

// MkdirAll creates the named directory and any missing parents.
func (s *RootFileSystem) MkdirAll(name string, perm os.FileMode) error {
	if s.ReadOnly() {
		return ErrReadOnly
	}
	return s.root.MkdirAll(name, perm)
}

// Remove removes the named file or empty directory.
func (s *RootFileSystem) Remove(name string) error {
	if s.ReadOnly() {
		return ErrReadOnly
	}
	return s.root.Remove(name)
}

// RemoveAll removes the named path and everything below it.
func (s *RootFileSystem) RemoveAll(name string) error {
	if s.ReadOnly() {
		return ErrReadOnly
	}
	return s.root.RemoveAll(name)
}

// isFlagReadOnly reports whether flag denies writes: O_RDONLY set, or
// neither O_WRONLY nor O_RDWR (read-only is the open default).
func isFlagReadOnly(flag int) bool {
	return flag&os.O_RDONLY != 0 || (flag&os.O_WRONLY == 0 && flag&os.O_RDWR == 0)
}
