// Package snapshot provides the engine's unit of file-tree data: an
// immutable directory tree keyed by the digest of its canonical
// serialization. Snapshots are value types; every operation returns a new
// Snapshot and re-stores the affected Directory entries, so the invariant
// "digest of serialized tree = recorded root digest" holds by
// construction.
package snapshot

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"forge.dev/engine/internal/digest"
	"forge.dev/engine/internal/pathglobs"
	"forge.dev/engine/internal/store"
)

// FileEntry is one file-like member of a Snapshot: a regular file or a
// symlink, addressed by its slash-separated path relative to the snapshot
// root.
type FileEntry struct {
	Path       string
	Digest     digest.Digest
	Executable bool
	IsSymlink  bool
	// SymlinkTarget is only meaningful when IsSymlink is set.
	SymlinkTarget string
}

// Snapshot is an immutable directory tree: the digest of its canonically
// serialized root Directory plus a cached, sorted index of the file paths
// it contains.
type Snapshot struct {
	rootDigest digest.Digest
	entries    []FileEntry
}

// MergeConflict reports two merged snapshots disagreeing about the
// content of the same path.
type MergeConflict struct {
	Path string
}

func (e *MergeConflict) Error() string {
	return fmt.Sprintf("snapshot merge conflict at %q: same path with differing digests", e.Path)
}

// Digest returns the digest of the snapshot's root Directory.
func (s Snapshot) Digest() digest.Digest {
	return s.rootDigest
}

// Files returns the sorted relative paths of all files and symlinks.
func (s Snapshot) Files() []string {
	paths := make([]string, len(s.entries))
	for i, e := range s.entries {
		paths[i] = e.Path
	}
	return paths
}

// Entries returns the snapshot's file entries in sorted path order.
func (s Snapshot) Entries() []FileEntry {
	return append([]FileEntry(nil), s.entries...)
}

// Lookup returns the entry at the given path, if present.
func (s Snapshot) Lookup(p string) (FileEntry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Path >= p })
	if i < len(s.entries) && s.entries[i].Path == p {
		return s.entries[i], true
	}
	return FileEntry{}, false
}

// Empty reports whether the snapshot contains no files.
func (s Snapshot) Empty() bool {
	return len(s.entries) == 0
}

// New builds a Snapshot from file entries, storing every intermediate
// Directory so the resulting root digest is loadable from st. Entry paths
// must be clean, slash-separated and relative.
func New(ctx context.Context, st store.Store, entries []FileEntry) (Snapshot, error) {
	sorted := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if err := validatePath(e.Path); err != nil {
			return Snapshot{}, err
		}
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	deduped := sorted[:0]
	for i, e := range sorted {
		if i > 0 && deduped[len(deduped)-1].Path == e.Path {
			prev := deduped[len(deduped)-1]
			if prev != e {
				return Snapshot{}, &MergeConflict{Path: e.Path}
			}
			continue
		}
		deduped = append(deduped, e)
	}
	rootDigest, err := storeTree(ctx, st, deduped)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{rootDigest: rootDigest, entries: deduped}, nil
}

// Empty returns the snapshot of the empty directory, storing its
// serialization so the digest is loadable like any other.
func Empty(ctx context.Context, st store.Store) (Snapshot, error) {
	return New(ctx, st, nil)
}

// FromDigest reconstructs a Snapshot from a stored root Directory digest,
// walking the serialized tree to rebuild the path index.
func FromDigest(ctx context.Context, st store.Store, root digest.Digest) (Snapshot, error) {
	var entries []FileEntry
	if err := walkStored(ctx, st, root, "", &entries); err != nil {
		return Snapshot{}, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return Snapshot{rootDigest: root, entries: entries}, nil
}

func walkStored(ctx context.Context, st store.Store, d digest.Digest, prefix string, out *[]FileEntry) error {
	dir, err := st.LoadDirectory(ctx, d)
	if err != nil {
		return err
	}
	for _, entry := range dir.Entries() {
		entryPath := entry.Name
		if prefix != "" {
			entryPath = prefix + "/" + entry.Name
		}
		switch entry.Kind {
		case store.KindDirectory:
			if err := walkStored(ctx, st, entry.Digest, entryPath, out); err != nil {
				return err
			}
		case store.KindSymlink:
			*out = append(*out, FileEntry{
				Path:          entryPath,
				IsSymlink:     true,
				SymlinkTarget: entry.SymlinkTarget,
			})
		default:
			*out = append(*out, FileEntry{
				Path:       entryPath,
				Digest:     entry.Digest,
				Executable: entry.Executable,
			})
		}
	}
	return nil
}

// storeTree builds nested Directories bottom-up from sorted entries and
// stores every level, returning the root digest.
func storeTree(ctx context.Context, st store.Store, entries []FileEntry) (digest.Digest, error) {
	type child struct {
		entries []FileEntry
	}
	direct := make([]store.DirEntry, 0)
	children := map[string]*child{}
	var childNames []string

	for _, e := range entries {
		name, rest, nested := strings.Cut(e.Path, "/")
		if !nested {
			kind := store.KindFile
			if e.IsSymlink {
				kind = store.KindSymlink
			}
			direct = append(direct, store.DirEntry{
				Name:          name,
				Digest:        e.Digest,
				Kind:          kind,
				Executable:    e.Executable,
				SymlinkTarget: e.SymlinkTarget,
			})
			continue
		}
		c, ok := children[name]
		if !ok {
			c = &child{}
			children[name] = c
			childNames = append(childNames, name)
		}
		sub := e
		sub.Path = rest
		c.entries = append(c.entries, sub)
	}

	for _, name := range childNames {
		subDigest, err := storeTree(ctx, st, children[name].entries)
		if err != nil {
			return digest.Digest{}, err
		}
		direct = append(direct, store.DirEntry{
			Name:   name,
			Digest: subDigest,
			Kind:   store.KindDirectory,
		})
	}

	dir, err := store.NewDirectory(direct)
	if err != nil {
		return digest.Digest{}, err
	}
	return st.StoreDirectory(ctx, dir)
}

// Merge combines snapshots into one tree. Identical paths with identical
// digests collapse; identical paths with differing digests fail with
// MergeConflict.
func Merge(ctx context.Context, st store.Store, snapshots ...Snapshot) (Snapshot, error) {
	seen := make(map[string]FileEntry)
	var merged []FileEntry
	for _, s := range snapshots {
		for _, e := range s.entries {
			prev, dup := seen[e.Path]
			if !dup {
				seen[e.Path] = e
				merged = append(merged, e)
				continue
			}
			if prev.Digest != e.Digest || prev.SymlinkTarget != e.SymlinkTarget || prev.IsSymlink != e.IsSymlink {
				return Snapshot{}, &MergeConflict{Path: e.Path}
			}
		}
	}
	return New(ctx, st, merged)
}

// AddPrefix returns a snapshot with every path nested under prefix.
func (s Snapshot) AddPrefix(ctx context.Context, st store.Store, prefix string) (Snapshot, error) {
	if err := validatePath(prefix); err != nil {
		return Snapshot{}, err
	}
	shifted := make([]FileEntry, len(s.entries))
	for i, e := range s.entries {
		e.Path = prefix + "/" + e.Path
		shifted[i] = e
	}
	return New(ctx, st, shifted)
}

// RemovePrefix strips prefix from every path. It is an error for any file
// to lie outside the prefix.
func (s Snapshot) RemovePrefix(ctx context.Context, st store.Store, prefix string) (Snapshot, error) {
	if err := validatePath(prefix); err != nil {
		return Snapshot{}, err
	}
	stripped := make([]FileEntry, len(s.entries))
	for i, e := range s.entries {
		rest, ok := strings.CutPrefix(e.Path, prefix+"/")
		if !ok {
			return Snapshot{}, fmt.Errorf("snapshot: cannot remove prefix %q: file %q lies outside it", prefix, e.Path)
		}
		e.Path = rest
		stripped[i] = e
	}
	return New(ctx, st, stripped)
}

// Subset selects the files matched by globs into a new snapshot. The glob
// set's no-match policy applies against this snapshot's file listing.
func (s Snapshot) Subset(ctx context.Context, st store.Store, globs pathglobs.PathGlobs) (Snapshot, error) {
	selected, err := globs.Filter(ctx, s.Files())
	if err != nil {
		return Snapshot{}, err
	}
	keep := make(map[string]struct{}, len(selected))
	for _, p := range selected {
		keep[p] = struct{}{}
	}
	var subset []FileEntry
	for _, e := range s.entries {
		if _, ok := keep[e.Path]; ok {
			subset = append(subset, e)
		}
	}
	return New(ctx, st, subset)
}

func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("snapshot: empty path")
	}
	if path.Clean(p) != p || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "../") || p == ".." {
		return fmt.Errorf("snapshot: path %q must be clean, relative and inside the tree", p)
	}
	return nil
}
