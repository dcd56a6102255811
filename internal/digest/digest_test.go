package digest_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge.dev/engine/internal/digest"
)

func TestFromBytesDeterministic(t *testing.T) {
	a := digest.FromBytes([]byte("hello world"))
	b := digest.FromBytes([]byte("hello world"))
	assert.Equal(t, a, b)
	assert.EqualValues(t, 11, a.SizeBytes)
}

func TestFromReaderMatchesFromBytes(t *testing.T) {
	content := []byte("some directory listing bytes")
	want := digest.FromBytes(content)

	got, err := digest.FromReader(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStringParseRoundTrip(t *testing.T) {
	d := digest.FromBytes([]byte("round trip"))
	parsed, err := digest.Parse(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := digest.Parse("not-a-digest")
	assert.Error(t, err)

	_, err = digest.Parse("sha256:deadbeef/not-a-number")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	content := []byte("verify me")
	d := digest.FromBytes(content)

	require.NoError(t, digest.Verify(bytes.NewReader(content), d))

	err := digest.Verify(bytes.NewReader([]byte("different content")), d)
	assert.Error(t, err)
}

func TestShardPath(t *testing.T) {
	d := digest.FromBytes([]byte("shard me"))
	hex := d.Fingerprint.Encoded()

	// two shard levels of two hex characters each, then the full name
	assert.Equal(t, hex[0:2]+"/"+hex[2:4]+"/"+hex, d.ShardPath())
	assert.Empty(t, digest.Digest{}.ShardPath())
}
