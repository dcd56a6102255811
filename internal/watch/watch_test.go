package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, w *Watcher, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-w.Events():
			require.True(t, ok, "watcher closed before the expected event arrived")
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatal("timed out waiting for watch event")
		}
	}
}

func TestWatchFileModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0o644))

	w, err := New(t.Context())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.WatchPaths(path))
	before := w.Generation()

	require.NoError(t, os.WriteFile(path, []byte("after"), 0o644))

	event := waitForEvent(t, w, func(e Event) bool { return e.Kind == KindFile && e.Name == path })
	assert.Greater(t, event.Generation, before, "every change bumps the generation")
}

func TestWatchDirectoryPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()

	w, err := New(t.Context())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.WatchPaths(dir))

	created := filepath.Join(dir, "fresh.txt")
	require.NoError(t, os.WriteFile(created, []byte("new"), 0o644))

	event := waitForEvent(t, w, func(e Event) bool { return e.Kind == KindFile && e.Name == created })
	assert.Equal(t, KindFile, event.Kind)
}

func TestWatchEnvChange(t *testing.T) {
	const name = "ENGINE_WATCH_TEST_VAR"
	t.Setenv(name, "initial")

	w, err := New(t.Context(), WithEnvPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	w.WatchEnv(name)

	require.NoError(t, os.Setenv(name, "changed"))

	event := waitForEvent(t, w, func(e Event) bool { return e.Kind == KindEnv && e.Name == name })
	assert.Equal(t, KindEnv, event.Kind)

	// a second poll without a change emits nothing further for this var;
	// the generation only moves on real changes
	generation := w.Generation()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, generation, w.Generation())
}

func TestWatchUnchangedEnvEmitsNothing(t *testing.T) {
	const name = "ENGINE_WATCH_STABLE_VAR"
	t.Setenv(name, "stable")

	w, err := New(t.Context(), WithEnvPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	w.WatchEnv(name)

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event for unchanged env var: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}
