package inmemory

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge.dev/engine/internal/blob"
)

// onceReader counts how often it is read to completion; the buffer must
// consume its source exactly once.
type onceReader struct {
	reads int
	r     io.Reader
}

func (o *onceReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	if err == io.EOF {
		o.reads++
	}
	return n, err
}

func TestLoadComputesSizeAndDigest(t *testing.T) {
	content := "buffered exactly once"
	b := New(strings.NewReader(content))

	require.NoError(t, b.Load())
	assert.Equal(t, int64(len(content)), b.Size())

	dig, known := b.Digest()
	require.True(t, known)
	assert.Equal(t, digest.FromString(content).String(), dig)
	assert.Equal(t, []byte(content), b.Data())
}

func TestSourceIsConsumedOnce(t *testing.T) {
	source := &onceReader{r: strings.NewReader("one pass")}
	b := New(source)

	for range 3 {
		rc, err := b.ReadCloser()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "one pass", string(data))
	}
	assert.Equal(t, 1, source.reads)
}

func TestReadersAreIndependent(t *testing.T) {
	b := New(strings.NewReader("independent readers"))

	first, err := b.ReadCloser()
	require.NoError(t, err)
	second, err := b.ReadCloser()
	require.NoError(t, err)

	partial := make([]byte, 5)
	_, err = io.ReadFull(first, partial)
	require.NoError(t, err)

	full, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, "independent readers", string(full), "a partially consumed reader must not affect others")
}

func TestClaimedDigestIsVerified(t *testing.T) {
	content := "verify me"

	t.Run("matching claim loads", func(t *testing.T) {
		b := New(strings.NewReader(content), WithDigest(digest.FromString(content).String()))
		require.NoError(t, b.Load())
	})

	t.Run("mismatching claim fails", func(t *testing.T) {
		b := New(strings.NewReader(content), WithDigest(digest.FromString("other").String()))
		err := b.Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "differs from claimed digest")

		_, known := b.Digest()
		assert.False(t, known)
		assert.Nil(t, b.Data())
	})

	t.Run("malformed claim fails", func(t *testing.T) {
		b := New(strings.NewReader(content), WithDigest("garbage"))
		require.Error(t, b.Load())
	})
}

func TestClaimedSizeBoundsTheRead(t *testing.T) {
	b := New(strings.NewReader("exactly twelve bytes and then some"), WithSize(12))
	require.NoError(t, b.Load())
	assert.Equal(t, []byte("exactly twel"), b.Data())

	short := New(strings.NewReader("tiny"), WithSize(100))
	require.Error(t, short.Load(), "a source shorter than its claimed size must fail")
}

func TestSizeKnownBeforeLoad(t *testing.T) {
	source := &onceReader{r: strings.NewReader("lazy")}
	b := New(source, WithSize(4))

	assert.Equal(t, int64(4), b.Size(), "a claimed size is served without loading")
	assert.Equal(t, 0, source.reads)
}

func TestLoadErrorIsSticky(t *testing.T) {
	b := New(strings.NewReader("data"), WithDigest(digest.FromString("mismatch").String()))
	first := b.Load()
	require.Error(t, first)
	assert.Equal(t, first, b.Load(), "every later call returns the first load's result")
}

func TestConcurrentAccess(t *testing.T) {
	content := strings.Repeat("concurrent ", 100)
	source := &onceReader{r: strings.NewReader(content)}
	b := New(source)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := blob.ToBytes(b)
			assert.NoError(t, err)
			assert.Equal(t, content, string(data))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, source.reads)
}
