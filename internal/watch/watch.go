// Package watch observes the external inputs a session declared it
// reads: files on disk through fsnotify, environment variables through
// periodic polling. Every observed change bumps a monotonic generation
// counter and is delivered as an Event; the evaluator uses the events to
// invalidate affected nodes and the generation to fence stale cache
// entries.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	slogcontext "github.com/veqryn/slog-context"
)

// Kind distinguishes the two watched input classes.
type Kind uint8

const (
	KindFile Kind = iota
	KindEnv
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindEnv:
		return "env"
	default:
		return "unknown"
	}
}

// Event reports one observed change of a watched input.
type Event struct {
	Kind Kind
	// Name is the watched file path or environment variable name.
	Name string
	// Generation is the counter value after this change.
	Generation uint64
}

// DefaultEnvPollInterval is how often watched environment variables are
// re-read.
const DefaultEnvPollInterval = time.Second

// Watcher delivers invalidation events for watched files and environment
// variables. Symlinked paths are watched by link identity: the watched
// name is the path itself, never its resolved target.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan Event

	generation atomic.Uint64

	mu   sync.Mutex
	envs map[string]string

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithEnvPollInterval overrides how often watched environment variables
// are compared against their last seen values.
func WithEnvPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// New starts a Watcher. Close releases it.
func New(ctx context.Context, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		fsw:      fsw,
		events:   make(chan Event, 64),
		envs:     make(map[string]string),
		interval: DefaultEnvPollInterval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run(runCtx)
	return w, nil
}

// Events is the delivery channel. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Generation returns the current generation counter.
func (w *Watcher) Generation() uint64 {
	return w.generation.Load()
}

// WatchPaths adds files or directories to the watched set.
func (w *Watcher) WatchPaths(paths ...string) error {
	for _, p := range paths {
		if err := w.fsw.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// WatchEnv adds environment variables to the watched set, recording
// their current values as the baseline.
func (w *Watcher) WatchEnv(names ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, name := range names {
		if _, watched := w.envs[name]; !watched {
			w.envs[name] = os.Getenv(name)
		}
	}
}

// Close stops the watcher and closes the event channel.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.emit(ctx, Event{
				Kind:       KindFile,
				Name:       event.Name,
				Generation: w.generation.Add(1),
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if err != nil && !errors.Is(err, fsnotify.ErrClosed) {
				slogcontext.FromCtx(ctx).Warn("filesystem watch error", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			w.pollEnv(ctx)
		}
	}
}

func (w *Watcher) pollEnv(ctx context.Context) {
	w.mu.Lock()
	var changed []string
	for name, last := range w.envs {
		if current := os.Getenv(name); current != last {
			w.envs[name] = current
			changed = append(changed, name)
		}
	}
	w.mu.Unlock()

	for _, name := range changed {
		w.emit(ctx, Event{
			Kind:       KindEnv,
			Name:       name,
			Generation: w.generation.Add(1),
		})
	}
}

func (w *Watcher) emit(ctx context.Context, event Event) {
	select {
	case w.events <- event:
	case <-ctx.Done():
	}
}
