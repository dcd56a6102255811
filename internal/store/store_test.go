package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	digestpkg "forge.dev/engine/internal/digest"
)

func TestDirectoryEncodeDeterminism(t *testing.T) {
	blobDigest := digestpkg.FromBytes([]byte("hello"))
	entries := []DirEntry{
		{Name: "b.txt", Digest: blobDigest, Kind: KindFile},
		{Name: "a.txt", Digest: blobDigest, Kind: KindFile, Executable: true},
		{Name: "link", Kind: KindSymlink, SymlinkTarget: "a.txt"},
	}

	first, err := NewDirectory(entries)
	require.NoError(t, err)

	// construction order must not matter
	reversed := []DirEntry{entries[2], entries[1], entries[0]}
	second, err := NewDirectory(reversed)
	require.NoError(t, err)

	assert.Equal(t, first.Encode(), second.Encode())
	assert.Equal(t, digestpkg.FromBytes(first.Encode()), digestpkg.FromBytes(second.Encode()))
}

func TestDirectoryRejectsDuplicateEntries(t *testing.T) {
	d := digestpkg.FromBytes([]byte("x"))
	_, err := NewDirectory([]DirEntry{
		{Name: "same", Digest: d, Kind: KindFile},
		{Name: "same", Digest: d, Kind: KindFile},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestDirectoryEncodeDecodeRoundTrip(t *testing.T) {
	blobDigest := digestpkg.FromBytes([]byte("content"))
	dir, err := NewDirectory([]DirEntry{
		{Name: "bin", Digest: blobDigest, Kind: KindFile, Executable: true},
		{Name: "sub", Digest: digestpkg.FromBytes([]byte("subdir")), Kind: KindDirectory},
		{Name: "sym", Kind: KindSymlink, SymlinkTarget: "bin"},
	})
	require.NoError(t, err)

	decoded, err := decodeDirectory(dir.Encode())
	require.NoError(t, err)
	assert.Equal(t, dir.Entries(), decoded.Entries())
}

func TestCASBlobRoundTrip(t *testing.T) {
	ctx := t.Context()
	cas, err := NewCAS(t.TempDir())
	require.NoError(t, err)

	content := []byte("some build output")
	d, err := cas.StoreBytes(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, digestpkg.FromBytes(content), d)
	assert.True(t, cas.Contains(ctx, d))

	loaded, err := cas.LoadBytes(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, content, loaded)

	// storing the same content again is a no-op with the same digest
	again, err := cas.StoreBytes(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, d, again)
}

func TestCASBlobNotFound(t *testing.T) {
	cas, err := NewCAS(t.TempDir())
	require.NoError(t, err)

	_, err = cas.LoadBlob(t.Context(), digestpkg.FromBytes([]byte("never stored")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCASDirectoryRoundTrip(t *testing.T) {
	ctx := t.Context()
	cas, err := NewCAS(t.TempDir())
	require.NoError(t, err)

	dir, err := NewDirectory([]DirEntry{
		{Name: "lib.a", Digest: digestpkg.FromBytes([]byte("archive")), Kind: KindFile},
	})
	require.NoError(t, err)

	d, err := cas.StoreDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, digestpkg.FromBytes(dir.Encode()), d)

	loaded, err := cas.LoadDirectory(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, dir.Entries(), loaded.Entries())
}

func TestCASShardedLayout(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	cas, err := NewCAS(root)
	require.NoError(t, err)

	d, err := cas.StoreBytes(ctx, []byte("sharded"))
	require.NoError(t, err)

	hex := d.Fingerprint.Encoded()
	want := filepath.Join(root, BlobsDirectoryName, hex[0:2], hex[2:4], hex)
	_, err = os.Stat(want)
	require.NoError(t, err, "blob must land at the two-level sharded path")
}

func TestCASLayoutVersionMismatchDiscards(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()

	cas, err := NewCAS(root)
	require.NoError(t, err)
	d, err := cas.StoreBytes(ctx, []byte("old generation"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, VersionFileName), []byte("0\n"), 0o644))

	reopened, err := NewCAS(root)
	require.NoError(t, err)
	assert.False(t, reopened.Contains(ctx, d), "stale layout must be discarded on version mismatch")
}

type fakeRemote struct {
	blobs   map[digestpkg.Digest][]byte
	fetches int
	pushes  int
	err     error
}

func (r *fakeRemote) Fetch(_ context.Context, d digestpkg.Digest) (io.ReadCloser, error) {
	r.fetches++
	if r.err != nil {
		return nil, r.err
	}
	raw, ok := r.blobs[d]
	if !ok {
		return nil, errors.New("remote miss")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (r *fakeRemote) Push(_ context.Context, d digestpkg.Digest, rc io.Reader) error {
	r.pushes++
	if r.err != nil {
		return r.err
	}
	raw, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if r.blobs == nil {
		r.blobs = map[digestpkg.Digest][]byte{}
	}
	r.blobs[d] = raw
	return nil
}

func TestCASEnsureLocalWithoutRemote(t *testing.T) {
	cas, err := NewCAS(t.TempDir())
	require.NoError(t, err)

	var unavailable *RemoteUnavailable
	err = cas.EnsureLocal(t.Context(), digestpkg.FromBytes([]byte("remote only")))
	require.Error(t, err)
	require.ErrorAs(t, err, &unavailable)
}

func TestCASEnsureLocalFetchesAndVerifies(t *testing.T) {
	ctx := t.Context()
	content := []byte("remote content")
	d := digestpkg.FromBytes(content)
	remote := &fakeRemote{blobs: map[digestpkg.Digest][]byte{d: content}}

	cas, err := NewCAS(t.TempDir(), WithRemote(remote))
	require.NoError(t, err)

	require.NoError(t, cas.EnsureLocal(ctx, d))
	assert.True(t, cas.Contains(ctx, d))
	assert.Equal(t, 1, remote.fetches)

	// already local, no second fetch
	require.NoError(t, cas.EnsureLocal(ctx, d))
	assert.Equal(t, 1, remote.fetches)
}

func TestCASEnsureLocalDigestMismatchIsCorruption(t *testing.T) {
	ctx := t.Context()
	d := digestpkg.FromBytes([]byte("expected content"))
	remote := &fakeRemote{blobs: map[digestpkg.Digest][]byte{d: []byte("tampered content")}}

	cas, err := NewCAS(t.TempDir(), WithRemote(remote))
	require.NoError(t, err)

	var storeErr *StoreError
	err = cas.EnsureLocal(ctx, d)
	require.Error(t, err)
	require.ErrorAs(t, err, &storeErr)
	assert.False(t, cas.Contains(ctx, d), "corrupt content must not become addressable")
}

func TestCASSynchronousPushOnStore(t *testing.T) {
	ctx := t.Context()
	remote := &fakeRemote{}
	cas, err := NewCAS(t.TempDir(), WithRemote(remote))
	require.NoError(t, err)

	content := []byte("pushed")
	d, err := cas.StoreBytes(ctx, content)
	require.NoError(t, err)

	assert.Equal(t, 1, remote.pushes)
	assert.Equal(t, content, remote.blobs[d])
}

func TestCASBackgroundPushOnStore(t *testing.T) {
	ctx := t.Context()
	remote := &fakeRemote{}
	cas, err := NewCAS(t.TempDir(), WithRemote(remote), WithBackgroundPush())
	require.NoError(t, err)

	_, err = cas.StoreBytes(ctx, []byte("eventually pushed"))
	require.NoError(t, err)
	require.NoError(t, cas.Close())

	assert.Equal(t, 1, remote.pushes)
}

func TestCASSweepKeepsLiveAndYoungEntries(t *testing.T) {
	ctx := t.Context()
	root := t.TempDir()
	cas, err := NewCAS(root)
	require.NoError(t, err)

	liveDigest, err := cas.StoreBytes(ctx, []byte("still referenced"))
	require.NoError(t, err)
	deadDigest, err := cas.StoreBytes(ctx, []byte("abandoned"))
	require.NoError(t, err)
	youngDigest, err := cas.StoreBytes(ctx, []byte("freshly written"))
	require.NoError(t, err)

	// age the first two entries past the sweep cutoff
	old := time.Now().Add(-2 * time.Hour)
	for _, d := range []digestpkg.Digest{liveDigest, deadDigest} {
		hex := d.Fingerprint.Encoded()
		path := filepath.Join(root, BlobsDirectoryName, hex[0:2], hex[2:4], hex)
		require.NoError(t, os.Chtimes(path, old, old))
	}

	removed, err := cas.Sweep(ctx, map[digestpkg.Digest]struct{}{liveDigest: {}}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, cas.Contains(ctx, liveDigest))
	assert.False(t, cas.Contains(ctx, deadDigest))
	assert.True(t, cas.Contains(ctx, youngDigest))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := t.Context()
	m := NewMemory()

	content := []byte("in memory")
	d, err := m.StoreBytes(ctx, content)
	require.NoError(t, err)
	assert.True(t, m.Contains(ctx, d))

	loaded, err := m.LoadBytes(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, content, loaded)

	_, err = m.LoadBlob(ctx, digestpkg.FromBytes([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEnsureLocal(t *testing.T) {
	ctx := t.Context()
	content := []byte("remote payload")
	d := digestpkg.FromBytes(content)
	remote := &fakeRemote{blobs: map[digestpkg.Digest][]byte{d: content}}
	m := NewMemory(WithMemoryRemote(remote))

	require.NoError(t, m.EnsureLocal(ctx, d))
	assert.True(t, m.Contains(ctx, d))
}
