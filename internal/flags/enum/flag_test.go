package enum

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should panic with empty options", func(t *testing.T) {
		assert.Panics(t, func() {
			New()
		})
	})

	t.Run("first option is the default", func(t *testing.T) {
		flag := New("text", "json")
		assert.Equal(t, "text", flag.String())
		assert.Equal(t, Type, flag.Type())
	})
}

func TestFlag_Set(t *testing.T) {
	flag := New("text", "json")

	require.NoError(t, flag.Set("json"))
	assert.Equal(t, "json", flag.String())

	err := flag.Set("yaml")
	require.Error(t, err)
	assert.Equal(t, "json", flag.String(), "a rejected value must not overwrite the current one")
}

func TestVarAndGet(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Var(fs, "level", []string{"info", "debug", "warn", "error"}, "logging level")

	value, err := Get(fs, "level")
	require.NoError(t, err)
	assert.Equal(t, "info", value)

	require.NoError(t, fs.Set("level", "debug"))
	value, err = Get(fs, "level")
	require.NoError(t, err)
	assert.Equal(t, "debug", value)

	require.Error(t, fs.Set("level", "trace"))

	_, err = Get(fs, "absent")
	assert.Error(t, err)
}

func TestGetRejectsForeignFlagType(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("plain", "", "not an enum")

	_, err := Get(fs, "plain")
	assert.Error(t, err)
}

func TestVarP(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	VarP(fs, "output", "o", []string{"stdout", "stderr"}, "log output")

	flag := fs.Lookup("output")
	require.NotNil(t, flag)
	assert.Equal(t, "o", flag.Shorthand)
	assert.Contains(t, flag.Usage, "must be one of")
}
