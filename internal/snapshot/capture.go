package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"forge.dev/engine/internal/blob/filesystem"
	"forge.dev/engine/internal/pathglobs"
	"forge.dev/engine/internal/store"
)

// CaptureOptions control how a workspace directory is read into a
// Snapshot.
type CaptureOptions struct {
	// Globs selects the files to capture. A zero value captures
	// everything.
	Globs pathglobs.PathGlobs
	// IgnorePatterns are glob patterns for paths that are never captured,
	// e.g. output directories. They apply before Globs.
	IgnorePatterns []string
}

// Capture reads the directory tree rooted at root into a Snapshot. Every
// regular file's content is stored as a blob; symlinks are captured by
// their target string. Symlinks whose target escapes root are rejected.
func Capture(ctx context.Context, st store.Store, root string, opts CaptureOptions) (Snapshot, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: capture root: %w", err)
	}

	var ignore *pathglobs.Matcher
	if len(opts.IgnorePatterns) > 0 {
		ignore, err = pathglobs.NewPathGlobs(opts.IgnorePatterns...).WithOrigin("capture ignore patterns").Compile()
		if err != nil {
			return Snapshot{}, err
		}
	}

	var entries []FileEntry
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignore != nil && ignore.Match(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case entry.IsDir():
			return nil
		case entry.Type()&fs.ModeSymlink != 0:
			fileEntry, err := captureSymlink(root, path, rel)
			if err != nil {
				return err
			}
			entries = append(entries, fileEntry)
			return nil
		case !entry.Type().IsRegular():
			// sockets, devices and pipes have no content identity
			return nil
		default:
			info, err := entry.Info()
			if err != nil {
				return err
			}
			fileBlob, err := filesystem.GetBlobFromOSPath(path)
			if err != nil {
				return err
			}
			d, err := st.StoreBlob(ctx, fileBlob)
			if err != nil {
				return err
			}
			entries = append(entries, FileEntry{
				Path:       rel,
				Digest:     d,
				Executable: info.Mode()&0o111 != 0,
			})
			return nil
		}
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: capture %s: %w", root, err)
	}

	captured, err := New(ctx, st, entries)
	if err != nil {
		return Snapshot{}, err
	}
	if len(opts.Globs.Includes) > 0 {
		return captured.Subset(ctx, st, opts.Globs)
	}
	return captured, nil
}

// captureSymlink records a symlink by its target string, rejecting
// targets that resolve outside the capture root.
func captureSymlink(root, path, rel string) (FileEntry, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return FileEntry{}, err
	}
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(path), resolved)
	}
	relToRoot, err := filepath.Rel(root, resolved)
	if err != nil || relToRoot == ".." || strings.HasPrefix(relToRoot, "../") {
		return FileEntry{}, fmt.Errorf("snapshot: symlink %q escapes the capture root (target %q)", rel, target)
	}
	return FileEntry{
		Path:          rel,
		IsSymlink:     true,
		SymlinkTarget: target,
	}, nil
}

// Materialize writes the snapshot's tree under dest, creating parent
// directories as needed. Executable files keep their bit; symlinks are
// recreated by target string.
func (s Snapshot) Materialize(ctx context.Context, st store.Store, dest string) error {
	for _, e := range s.entries {
		target := filepath.Join(dest, filepath.FromSlash(e.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("snapshot: materialize %s: %w", e.Path, err)
		}
		if e.IsSymlink {
			if err := os.Symlink(e.SymlinkTarget, target); err != nil {
				return fmt.Errorf("snapshot: materialize symlink %s: %w", e.Path, err)
			}
			continue
		}
		b, err := st.LoadBlob(ctx, e.Digest)
		if err != nil {
			return fmt.Errorf("snapshot: materialize %s: %w", e.Path, err)
		}
		mode := os.FileMode(0o644)
		if e.Executable {
			mode = 0o755
		}
		if err := writeBlobToPath(b, target, mode); err != nil {
			return fmt.Errorf("snapshot: materialize %s: %w", e.Path, err)
		}
	}
	return nil
}
