// Package sandbox provides the ephemeral, exclusively owned directories
// hermetic processes run in. A sandbox is a fresh directory confined via
// os.Root: all path resolution inside it is guaranteed not to escape,
// matching the confinement the engine's blob filesystem uses for its
// store root.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Sandbox is one ephemeral execution directory. It is exclusively owned
// by the in-flight process invocation that created it and destroyed on
// completion or cancellation, unless kept for debugging.
type Sandbox struct {
	path string
	root *os.Root
	keep bool
}

// Option configures a Sandbox at construction time.
type Option func(*Sandbox)

// WithKeep leaves the sandbox directory on disk after Destroy, for
// debugging failed invocations.
func WithKeep() Option {
	return func(s *Sandbox) { s.keep = true }
}

// New creates a fresh sandbox directory under baseDir (the default
// temporary directory when empty).
func New(baseDir string, opts ...Option) (*Sandbox, error) {
	path, err := os.MkdirTemp(baseDir, "sandbox-")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create: %w", err)
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("sandbox: confine %s: %w", path, err), os.RemoveAll(path))
	}
	s := &Sandbox{path: path, root: root}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the sandbox root directory.
func (s *Sandbox) Path() string {
	return s.path
}

// WorkingDirectory resolves the given sandbox-relative working directory,
// creating it if needed. Escaping paths are rejected by the root
// confinement.
func (s *Sandbox) WorkingDirectory(rel string) (string, error) {
	if rel == "" || rel == "." {
		return s.path, nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("sandbox: working directory %q must be relative", rel)
	}
	if err := s.root.MkdirAll(rel, 0o755); err != nil {
		return "", fmt.Errorf("sandbox: working directory %q: %w", rel, err)
	}
	return filepath.Join(s.path, rel), nil
}

// Kept reports whether the sandbox survives Destroy.
func (s *Sandbox) Kept() bool {
	return s.keep
}

// Destroy closes the confinement handle and removes the directory, unless
// the sandbox is kept for debugging.
func (s *Sandbox) Destroy() error {
	err := s.root.Close()
	if s.keep {
		return err
	}
	return errors.Join(err, os.RemoveAll(s.path))
}
