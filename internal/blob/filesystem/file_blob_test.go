package filesystem_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge.dev/engine/internal/blob"
	"forge.dev/engine/internal/blob/filesystem"
)

func TestFileBlobReadCloser(t *testing.T) {
	fsys := fstest.MapFS{
		"tool.log": &fstest.MapFile{Data: []byte("captured output")},
	}
	b := filesystem.NewFileBlob(fsys, "tool.log")

	// each call is a fresh handle over the same content
	for range 2 {
		rc, err := b.ReadCloser()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "captured output", string(data))
	}
}

func TestFileBlobMissingFile(t *testing.T) {
	b := filesystem.NewFileBlob(fstest.MapFS{}, "absent")

	_, err := b.ReadCloser()
	require.Error(t, err)
	assert.Equal(t, blob.SizeUnknown, b.Size())

	_, known := b.Digest()
	assert.False(t, known)
}

func TestFileBlobSizeAndDigest(t *testing.T) {
	content := []byte("some stored bytes")
	fsys := fstest.MapFS{
		"entry": &fstest.MapFile{Data: content},
	}
	b := filesystem.NewFileBlob(fsys, "entry")

	assert.Equal(t, int64(len(content)), b.Size())

	dig, known := b.Digest()
	require.True(t, known)
	assert.Equal(t, digest.FromBytes(content).String(), dig)
}

func TestGetBlobFromOSPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace-file.txt")
	content := []byte("workspace content")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	b, err := filesystem.GetBlobFromOSPath(path)
	require.NoError(t, err)

	data, err := blob.ToBytes(b)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, int64(len(content)), b.Size())
}

func TestGetBlobFromOSPathMissingDirectory(t *testing.T) {
	_, err := filesystem.GetBlobFromOSPath(filepath.Join(t.TempDir(), "no", "such", "file"))
	require.Error(t, err)
}
