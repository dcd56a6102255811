package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	slogcontext "github.com/veqryn/slog-context"

	"forge.dev/engine/internal/blob"
	"forge.dev/engine/internal/blob/filesystem"
	"forge.dev/engine/internal/blob/inmemory"
	digestpkg "forge.dev/engine/internal/digest"
)

const (
	// BlobsDirectoryName holds blob files, two-level sharded by the first
	// four hex characters of the fingerprint.
	BlobsDirectoryName = "blobs"
	// DirectoriesDirectoryName holds canonically serialized Directory
	// entries, sharded the same way.
	DirectoriesDirectoryName = "directories"

	// VersionFileName tags the on-disk layout. On mismatch the whole
	// store subtree is discarded and recreated.
	VersionFileName = "version"
	// LayoutVersion is bumped on any change to the persisted encoding.
	LayoutVersion = "1"
)

// CASOption configures a CAS at construction time.
type CASOption func(*CAS)

// WithRemote attaches a remote CAS backend consulted by EnsureLocal and
// pushed to on store.
func WithRemote(r Remote) CASOption {
	return func(c *CAS) { c.remote = r }
}

// WithBackgroundPush makes remote pushes fire-and-forget instead of
// blocking the storing caller. Callers that need every push flushed must
// call Close before exiting.
func WithBackgroundPush() CASOption {
	return func(c *CAS) { c.backgroundPush = true }
}

// CAS is the disk-backed content-addressed store. All file access is
// confined to the store root; writes land under a temporary name first and
// are renamed into place, so concurrent writers of the same digest race
// benignly.
type CAS struct {
	fs   *filesystem.RootFileSystem
	base string

	remote         Remote
	backgroundPush bool
	pushes         sync.WaitGroup

	// mu serializes multi-step write sequences (tmp write + rename).
	// Reads never take it.
	mu sync.Mutex
}

var _ Store = (*CAS)(nil)

// NewCAS opens (or initializes) the content-addressed store rooted at
// base. An existing store with a different layout version is discarded.
func NewCAS(base string, opts ...CASOption) (*CAS, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	if err := checkLayoutVersion(base); err != nil {
		return nil, err
	}
	rootFS, err := filesystem.NewFS(base, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	c := &CAS{fs: rootFS, base: base}
	for _, opt := range opts {
		opt(c)
	}
	for _, dir := range []string{BlobsDirectoryName, DirectoriesDirectoryName} {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, &StoreError{Op: "open", Err: err}
		}
	}
	return c, nil
}

// checkLayoutVersion validates the version tag of an existing store root,
// wiping the root when the persisted layout predates the current encoding.
func checkLayoutVersion(base string) error {
	versionPath := filepath.Join(base, VersionFileName)
	raw, err := os.ReadFile(versionPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// fresh store
	case err != nil:
		return &StoreError{Op: "version check", Err: err}
	case strings.TrimSpace(string(raw)) != LayoutVersion:
		if err := os.RemoveAll(base); err != nil {
			return &StoreError{Op: "discard stale layout", Err: err}
		}
	default:
		return nil
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return &StoreError{Op: "init", Err: err}
	}
	if err := os.WriteFile(versionPath, []byte(LayoutVersion+"\n"), 0o644); err != nil {
		return &StoreError{Op: "init", Err: err}
	}
	return nil
}

// Close waits for in-flight background pushes to drain.
func (c *CAS) Close() error {
	c.pushes.Wait()
	return nil
}

func blobPath(d digestpkg.Digest) string {
	return filepath.Join(BlobsDirectoryName, d.ShardPath())
}

func directoryPath(d digestpkg.Digest) string {
	return filepath.Join(DirectoriesDirectoryName, d.ShardPath())
}

// StoreBlob writes b's content iff absent, returning its digest. A blob
// that does not know its digest in advance is buffered in memory once to
// compute it before any disk write happens.
func (c *CAS) StoreBlob(ctx context.Context, b blob.ReadOnlyBlob) (digestpkg.Digest, error) {
	d, src, err := c.digestOf(b)
	if err != nil {
		return digestpkg.Digest{}, &StoreError{Op: "store blob", Err: err}
	}
	if err := c.writeIfAbsent(ctx, blobPath(d), src); err != nil {
		return digestpkg.Digest{}, err
	}
	if c.remote != nil {
		if err := c.pushRemote(ctx, d, src); err != nil {
			return digestpkg.Digest{}, err
		}
	}
	return d, nil
}

// StoreBytes is a convenience wrapper around StoreBlob for small in-memory
// payloads such as captured stdout and stderr.
func (c *CAS) StoreBytes(ctx context.Context, raw []byte) (digestpkg.Digest, error) {
	return c.StoreBlob(ctx, NewBytesBlob(raw))
}

// digestOf determines b's digest without writing anything, returning a
// re-readable source for the content. Digest-aware blobs are passed
// through untouched; everything else is buffered in memory once to
// learn its digest, carrying over whatever size or digest hints b has.
func (c *CAS) digestOf(b blob.ReadOnlyBlob) (digestpkg.Digest, blob.ReadOnlyBlob, error) {
	size := blob.SizeUnknown
	if aware, ok := b.(blob.SizeAware); ok {
		size = aware.Size()
	}
	if aware, ok := b.(blob.DigestAware); ok && size != blob.SizeUnknown {
		if raw, known := aware.Digest(); known {
			fp, err := digestFingerprint(raw)
			if err != nil {
				return digestpkg.Digest{}, nil, err
			}
			return digestpkg.Digest{Fingerprint: fp, SizeBytes: size}, b, nil
		}
	}

	rc, err := b.ReadCloser()
	if err != nil {
		return digestpkg.Digest{}, nil, err
	}
	var opts []inmemory.Option
	if size != blob.SizeUnknown {
		opts = append(opts, inmemory.WithSize(size))
	}
	if aware, ok := b.(blob.DigestAware); ok {
		if raw, known := aware.Digest(); known {
			opts = append(opts, inmemory.WithDigest(raw))
		}
	}
	buffered := inmemory.New(rc, opts...)
	err = errors.Join(buffered.Load(), rc.Close())
	if err != nil {
		return digestpkg.Digest{}, nil, err
	}
	raw, known := buffered.Digest()
	if !known {
		return digestpkg.Digest{}, nil, errors.New("buffered blob did not produce a digest")
	}
	fp, err := digestFingerprint(raw)
	if err != nil {
		return digestpkg.Digest{}, nil, err
	}
	return digestpkg.Digest{Fingerprint: fp, SizeBytes: buffered.Size()}, buffered, nil
}

// writeIfAbsent lands src at path unless a file for the digest already
// exists. The content is staged under a temporary name and renamed into
// place so a crashed writer never leaves a partial entry addressable.
func (c *CAS) writeIfAbsent(ctx context.Context, path string, src blob.ReadOnlyBlob) error {
	if _, err := c.fs.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &StoreError{Op: "stat " + path, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.fs.Stat(path); err == nil {
		return nil
	}

	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StoreError{Op: "mkdir " + filepath.Dir(path), Err: err}
	}
	tmp := path + ".tmp"
	file, err := c.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &StoreError{Op: "create " + tmp, Err: err}
	}
	if err := blob.Copy(file, src); err != nil {
		err = errors.Join(err, file.Close(), c.fs.Remove(tmp))
		return &StoreError{Op: "write " + path, Err: err}
	}
	if err := file.Close(); err != nil {
		return &StoreError{Op: "close " + tmp, Err: errors.Join(err, c.fs.Remove(tmp))}
	}
	if err := os.Rename(filepath.Join(c.base, tmp), filepath.Join(c.base, path)); err != nil {
		return &StoreError{Op: "rename " + path, Err: err}
	}
	return nil
}

// LoadBlob opens the blob named by d. The returned blob carries the
// requested digest so downstream copies verify content on read.
func (c *CAS) LoadBlob(_ context.Context, d digestpkg.Digest) (blob.ReadOnlyBlob, error) {
	if d.Zero() {
		return nil, fmt.Errorf("blob <zero>: %w", ErrNotFound)
	}
	path := blobPath(d)
	if _, err := c.fs.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", d, ErrNotFound)
		}
		return nil, &StoreError{Op: "stat " + path, Err: err}
	}
	b := NewCASBlob(c.fs, path)
	b.SetPrecalculatedDigest(d.Fingerprint.String())
	return b, nil
}

// LoadBytes loads the full content of the blob named by d into memory.
func (c *CAS) LoadBytes(ctx context.Context, d digestpkg.Digest) ([]byte, error) {
	b, err := c.LoadBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	return blob.ToBytes(b)
}

// StoreDirectory canonically serializes dir and stores the encoding under
// the directories subtree, returning the digest of the serialization.
func (c *CAS) StoreDirectory(ctx context.Context, dir Directory) (digestpkg.Digest, error) {
	raw := dir.Encode()
	d := digestpkg.FromBytes(raw)
	if err := c.writeIfAbsent(ctx, directoryPath(d), NewBytesBlob(raw)); err != nil {
		return digestpkg.Digest{}, err
	}
	if c.remote != nil {
		if err := c.pushRemote(ctx, d, NewBytesBlob(raw)); err != nil {
			return digestpkg.Digest{}, err
		}
	}
	return d, nil
}

// LoadDirectory loads and decodes the Directory stored at d, verifying the
// serialization still matches its recorded digest.
func (c *CAS) LoadDirectory(_ context.Context, d digestpkg.Digest) (Directory, error) {
	path := directoryPath(d)
	file, err := c.fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Directory{}, fmt.Errorf("directory %s: %w", d, ErrNotFound)
		}
		return Directory{}, &StoreError{Op: "open " + path, Err: err}
	}
	raw, err := io.ReadAll(file)
	if err = errors.Join(err, file.Close()); err != nil {
		return Directory{}, &StoreError{Op: "read " + path, Err: err}
	}
	if got := digestpkg.FromBytes(raw); got != d {
		return Directory{}, &StoreError{Op: "read " + path, Err: fmt.Errorf("corrupt directory: expected %s, got %s", d, got)}
	}
	return decodeDirectory(raw)
}

// Contains reports whether d is present locally, as a blob or a
// serialized directory.
func (c *CAS) Contains(_ context.Context, d digestpkg.Digest) bool {
	if _, err := c.fs.Stat(blobPath(d)); err == nil {
		return true
	}
	_, err := c.fs.Stat(directoryPath(d))
	return err == nil
}

// EnsureLocal fetches d from the configured remote if absent locally. The
// fetched content is verified against d before it becomes addressable; a
// mismatch is treated as corruption, never cached.
func (c *CAS) EnsureLocal(ctx context.Context, d digestpkg.Digest) error {
	if c.Contains(ctx, d) {
		return nil
	}
	if c.remote == nil {
		return &RemoteUnavailable{Digest: d, Err: errors.New("no remote configured")}
	}
	rc, err := c.remote.Fetch(ctx, d)
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
	return c.writeIfAbsent(ctx, blobPath(d), NewBytesBlob(raw))
}

// pushRemote mirrors a freshly stored entry to the remote, synchronously
// by default or in the background when configured.
func (c *CAS) pushRemote(ctx context.Context, d digestpkg.Digest, src blob.ReadOnlyBlob) error {
	push := func(ctx context.Context) error {
		rc, err := src.ReadCloser()
		if err != nil {
			return err
		}
		err = c.remote.Push(ctx, d, rc)
		return errors.Join(err, rc.Close())
	}
	if !c.backgroundPush {
		if err := push(ctx); err != nil {
			return &RemoteUnavailable{Digest: d, Err: err}
		}
		return nil
	}
	c.pushes.Add(1)
	go func() {
		defer c.pushes.Done()
		if err := push(context.WithoutCancel(ctx)); err != nil {
			slogcontext.FromCtx(ctx).Warn("background push failed",
				slog.String("digest", d.String()), slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Sweep removes blob and directory files whose digest is not in live and
// whose entry is older than minAge. It is the GC half of the store's
// reference-counting contract: sessions report the digests they still
// hold, everything else eventually goes.
func (c *CAS) Sweep(_ context.Context, live map[digestpkg.Digest]struct{}, minAge time.Duration) (removed int, err error) {
	cutoff := time.Now().Add(-minAge)
	liveFingerprints := make(map[string]struct{}, len(live))
	for d := range live {
		liveFingerprints[d.Fingerprint.Encoded()] = struct{}{}
	}
	for _, subtree := range []string{BlobsDirectoryName, DirectoriesDirectoryName} {
		walkErr := fs.WalkDir(c.fs, subtree, func(path string, entry fs.DirEntry, err error) error {
			if err != nil || entry.IsDir() {
				return err
			}
			if _, isLive := liveFingerprints[entry.Name()]; isLive {
				return nil
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
			if err := c.fs.Remove(path); err != nil {
				return err
			}
			removed++
			return nil
		})
		if walkErr != nil {
			return removed, &StoreError{Op: "sweep " + subtree, Err: walkErr}
		}
	}
	return removed, nil
}
