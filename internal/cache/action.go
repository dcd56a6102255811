package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"forge.dev/engine/internal/digest"
	"forge.dev/engine/internal/process"
)

const (
	// ActionsDirectoryName holds persisted ProcessResult records, sharded
	// like the store's blobs.
	ActionsDirectoryName = "actions"
	// actionRecordVersion tags persisted records; mismatching records are
	// treated as absent and removed.
	actionRecordVersion = 1
)

// actionRecord is the self-describing on-disk form of a process result.
type actionRecord struct {
	Version      int               `json:"version"`
	ExitCode     int               `json:"exitCode"`
	StdoutDigest string            `json:"stdoutDigest"`
	StderrDigest string            `json:"stderrDigest"`
	OutputDigest string            `json:"outputDigest"`
	Platform     string            `json:"platform"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RemoteActionCache is the optional third tier, typically shared between
// machines. Lookup misses are (Result{}, false, nil); transport failures
// are errors and the caller decides whether they are fatal.
type RemoteActionCache interface {
	Get(ctx context.Context, action digest.Digest) (process.Result, bool, error)
	Put(ctx context.Context, action digest.Digest, result process.Result) error
}

// ActionCache is the tiered process-result cache: in-memory memo, local
// persistent records under <root>/actions, and an optional remote. It
// implements process.ActionCache.
//
// Scope handling: per-restart and per-session results only ever live in
// the memo tier; only always-scoped results are persisted or shared
// remotely. The executor never consults any tier for never-scoped
// requests.
type ActionCache struct {
	memo   *Memo[process.Result]
	root   string // empty disables the persistent tier
	remote RemoteActionCache

	// perSession tracks the memo keys to drop when a session ends.
	mu         sync.Mutex
	perSession map[digest.Digest]struct{}
}

var _ process.ActionCache = (*ActionCache)(nil)

// ActionCacheOption configures an ActionCache.
type ActionCacheOption func(*ActionCache)

// WithLocalRoot enables the persistent tier under root.
func WithLocalRoot(root string) ActionCacheOption {
	return func(c *ActionCache) { c.root = root }
}

// WithRemoteActionCache attaches the remote tier.
func WithRemoteActionCache(remote RemoteActionCache) ActionCacheOption {
	return func(c *ActionCache) { c.remote = remote }
}

// NewActionCache builds the tiered cache. Without options it degrades to
// a pure in-memory cache.
func NewActionCache(opts ...ActionCacheOption) (*ActionCache, error) {
	c := &ActionCache{
		memo:       NewMemo[process.Result](),
		perSession: make(map[digest.Digest]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.root != "" {
		if err := os.MkdirAll(filepath.Join(c.root, ActionsDirectoryName), 0o755); err != nil {
			return nil, fmt.Errorf("cache: init action cache: %w", err)
		}
	}
	return c, nil
}

func (c *ActionCache) recordPath(action digest.Digest) string {
	return filepath.Join(c.root, ActionsDirectoryName, filepath.FromSlash(action.ShardPath()))
}

// Get consults the tiers in order: memo, local records, remote. The first
// hit wins and is promoted into the faster tiers it missed.
func (c *ActionCache) Get(ctx context.Context, action digest.Digest, scope process.CacheScope) (process.Result, bool, error) {
	// the memo tier is generation-free for actions: process results are
	// keyed by their full request encoding, so they can never go stale
	if result, ok := c.memo.Get(action, 0); ok {
		return result, true, nil
	}
	if scope != process.CacheAlways {
		return process.Result{}, false, nil
	}
	if c.root != "" {
		result, ok, err := c.readRecord(action)
		if err != nil {
			return process.Result{}, false, err
		}
		if ok {
			c.memo.Put(action, 0, result)
			return result, true, nil
		}
	}
	if c.remote != nil {
		result, ok, err := c.remote.Get(ctx, action)
		if err != nil {
			return process.Result{}, false, err
		}
		if ok {
			c.memo.Put(action, 0, result)
			if c.root != "" {
				if err := c.writeRecord(action, result); err != nil {
					return process.Result{}, false, err
				}
			}
			return result, true, nil
		}
	}
	return process.Result{}, false, nil
}

// Put records result in every tier the scope is eligible for.
func (c *ActionCache) Put(ctx context.Context, action digest.Digest, result process.Result, scope process.CacheScope) error {
	c.memo.Put(action, 0, result)
	if scope == process.CachePerSession {
		c.mu.Lock()
		c.perSession[action] = struct{}{}
		c.mu.Unlock()
	}
	if scope != process.CacheAlways {
		return nil
	}
	if c.root != "" {
		if err := c.writeRecord(action, result); err != nil {
			return err
		}
	}
	if c.remote != nil {
		if err := c.remote.Put(ctx, action, result); err != nil {
			return err
		}
	}
	return nil
}

// EndSession drops every per-session entry recorded since the last call.
func (c *ActionCache) EndSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for action := range c.perSession {
		c.memo.Delete(action)
	}
	clear(c.perSession)
}

func (c *ActionCache) readRecord(action digest.Digest) (process.Result, bool, error) {
	raw, err := os.ReadFile(c.recordPath(action))
	if errors.Is(err, fs.ErrNotExist) {
		return process.Result{}, false, nil
	}
	if err != nil {
		return process.Result{}, false, fmt.Errorf("cache: read action record: %w", err)
	}
	var record actionRecord
	if err := json.Unmarshal(raw, &record); err != nil || record.Version != actionRecordVersion {
		// corrupt or stale-format record: discard and miss
		_ = os.Remove(c.recordPath(action))
		return process.Result{}, false, nil
	}
	result, err := record.toResult()
	if err != nil {
		_ = os.Remove(c.recordPath(action))
		return process.Result{}, false, nil
	}
	return result, true, nil
}

func (c *ActionCache) writeRecord(action digest.Digest, result process.Result) error {
	record := actionRecord{
		Version:      actionRecordVersion,
		ExitCode:     result.ExitCode,
		StdoutDigest: result.StdoutDigest.String(),
		StderrDigest: result.StderrDigest.String(),
		OutputDigest: result.OutputDigest.String(),
		Platform:     result.Platform,
		Metadata:     result.Metadata,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cache: encode action record: %w", err)
	}
	path := c.recordPath(action)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache: write action record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("cache: write action record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cache: write action record: %w", err)
	}
	return nil
}

func (r actionRecord) toResult() (process.Result, error) {
	parse := func(s string) (digest.Digest, error) {
		if s == "/0" || s == "" {
			return digest.Digest{}, nil
		}
		return digest.Parse(s)
	}
	stdout, err := parse(r.StdoutDigest)
	if err != nil {
		return process.Result{}, err
	}
	stderr, err := parse(r.StderrDigest)
	if err != nil {
		return process.Result{}, err
	}
	output, err := parse(r.OutputDigest)
	if err != nil {
		return process.Result{}, err
	}
	return process.Result{
		ExitCode:     r.ExitCode,
		StdoutDigest: stdout,
		StderrDigest: stderr,
		OutputDigest: output,
		Platform:     r.Platform,
		Metadata:     r.Metadata,
	}, nil
}
