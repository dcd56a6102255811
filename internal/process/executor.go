package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	slogcontext "github.com/veqryn/slog-context"

	"forge.dev/engine/internal/digest"
	log "forge.dev/engine/internal/logging"
	"forge.dev/engine/internal/pathglobs"
	"forge.dev/engine/internal/sandbox"
	"forge.dev/engine/internal/snapshot"
	"forge.dev/engine/internal/store"
)

// ActionCache looks up and records process results by action digest.
// Implementations decide which tiers a given cache scope may touch; the
// executor only promises to never consult or fill any tier for
// CacheNever requests.
type ActionCache interface {
	Get(ctx context.Context, action digest.Digest, scope CacheScope) (Result, bool, error)
	Put(ctx context.Context, action digest.Digest, result Result, scope CacheScope) error
}

// DefaultGracePeriod is how long a cancelled or timed-out process gets
// between the termination signal to its group and the hard kill.
const DefaultGracePeriod = 2 * time.Second

// Executor runs hermetic processes locally. It is safe for concurrent
// use; each invocation owns its sandbox exclusively.
type Executor struct {
	store store.Store
	cache ActionCache

	sandboxBase   string
	keepSandboxes bool
	grace         time.Duration
	platform      string

	spawned atomic.Int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithActionCache attaches the cache consulted before spawning and
// populated after successful runs.
func WithActionCache(c ActionCache) ExecutorOption {
	return func(e *Executor) { e.cache = c }
}

// WithSandboxBase places sandbox directories under dir instead of the
// default temporary directory.
func WithSandboxBase(dir string) ExecutorOption {
	return func(e *Executor) { e.sandboxBase = dir }
}

// WithKeepSandboxes leaves sandbox directories on disk for debugging.
func WithKeepSandboxes() ExecutorOption {
	return func(e *Executor) { e.keepSandboxes = true }
}

// WithGracePeriod overrides the termination grace period.
func WithGracePeriod(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.grace = d }
}

// NewExecutor builds an Executor over the given store.
func NewExecutor(st store.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    st,
		grace:    DefaultGracePeriod,
		platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SpawnCount reports how many processes this executor has actually
// started, cache hits excluded.
func (e *Executor) SpawnCount() int64 {
	return e.spawned.Load()
}

// Execute runs req per the hermetic execution protocol: consult caches,
// otherwise materialize inputs into a fresh sandbox, run, capture
// declared outputs, and record the result in every eligible cache tier.
func (e *Executor) Execute(ctx context.Context, req Request) (_ Result, err error) {
	if req.ExecutionEnvironment != EnvironmentLocal {
		return Result{}, fmt.Errorf("process: execution environment %s is not available on this executor", req.ExecutionEnvironment)
	}

	action := req.ActionDigest()
	done := log.Operation(ctx, "process execute",
		slog.String("description", req.Description),
		slog.String("action", action.String()))
	defer func() { done(err) }()

	if e.cache != nil && req.CacheScope != CacheNever {
		cached, hit, err := e.cache.Get(ctx, action, req.CacheScope)
		if err != nil {
			return Result{}, err
		}
		if hit {
			annotated := make(map[string]string, len(cached.Metadata)+1)
			for k, v := range cached.Metadata {
				annotated[k] = v
			}
			annotated["cached"] = "true"
			cached.Metadata = annotated
			return cached, nil
		}
	}

	result, err := e.run(ctx, req)
	if err != nil {
		return Result{}, err
	}

	if e.cache != nil && req.CacheScope != CacheNever {
		if err := e.cache.Put(ctx, action, result, req.CacheScope); err != nil {
			return Result{}, err
		}
	}
	return result, nil
}

func (e *Executor) run(ctx context.Context, req Request) (_ Result, err error) {
	var sandboxOpts []sandbox.Option
	if e.keepSandboxes {
		sandboxOpts = append(sandboxOpts, sandbox.WithKeep())
	}
	sb, err := sandbox.New(e.sandboxBase, sandboxOpts...)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		err = errors.Join(err, sb.Destroy())
	}()

	if !req.InputDigest.Zero() {
		input, err := snapshot.FromDigest(ctx, e.store, req.InputDigest)
		if err != nil {
			return Result{}, fmt.Errorf("process: load input tree: %w", err)
		}
		if err := input.Materialize(ctx, e.store, sb.Path()); err != nil {
			return Result{}, err
		}
	}

	workingDir, err := sb.WorkingDirectory(req.WorkingDirectory)
	if err != nil {
		return Result{}, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(execCtx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = workingDir
	cmd.Env = scrubbedEnv(req.Env)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// The process runs in its own group so cancellation reaches every
	// child, not just the direct command.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		slogcontext.FromCtx(ctx).Debug("terminating process group",
			slog.String("description", req.Description))
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.grace

	start := time.Now()
	e.spawned.Add(1)
	runErr := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() != nil && ctx.Err() == nil {
		return Result{}, &ProcessTimeout{Description: req.Description, Timeout: req.Timeout}
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return Result{}, fmt.Errorf("process: failed to run %q: %w", req.Argv[0], runErr)
	}
	exitCode := cmd.ProcessState.ExitCode()

	stdoutDigest, err := storeBytes(ctx, e.store, stdout.Bytes())
	if err != nil {
		return Result{}, err
	}
	stderrDigest, err := storeBytes(ctx, e.store, stderr.Bytes())
	if err != nil {
		return Result{}, err
	}

	if !req.Succeeded(exitCode) {
		return Result{}, &ProcessFailed{
			Description:  req.Description,
			ExitCode:     exitCode,
			Stderr:       stderr.Bytes(),
			StdoutDigest: stdoutDigest,
			StderrDigest: stderrDigest,
		}
	}

	outputs, err := e.captureOutputs(ctx, req, sb.Path())
	if err != nil {
		return Result{}, err
	}

	return Result{
		ExitCode:     exitCode,
		StdoutDigest: stdoutDigest,
		StderrDigest: stderrDigest,
		OutputDigest: outputs.Digest(),
		Platform:     e.platform,
		Metadata: map[string]string{
			"duration": duration.String(),
		},
	}, nil
}

// captureOutputs reifies the declared output files and directories into a
// Snapshot. Undeclared sandbox content is discarded with the sandbox;
// declared outputs the process did not produce are simply absent.
func (e *Executor) captureOutputs(ctx context.Context, req Request, sandboxPath string) (snapshot.Snapshot, error) {
	if len(req.OutputFiles) == 0 && len(req.OutputDirectories) == 0 {
		return snapshot.Empty(ctx, e.store)
	}
	includes := make([]string, 0, len(req.OutputFiles)+len(req.OutputDirectories))
	includes = append(includes, req.OutputFiles...)
	for _, dir := range req.OutputDirectories {
		includes = append(includes, dir+"/**")
	}
	return snapshot.Capture(ctx, e.store, sandboxPath, snapshot.CaptureOptions{
		Globs: pathglobs.NewPathGlobs(includes...).WithOrigin(fmt.Sprintf("declared outputs of %q", req.Description)),
	})
}

// scrubbedEnv renders exactly the request's environment, sorted by key.
// Nothing from the engine's own environment leaks through.
func scrubbedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rendered := make([]string, 0, len(keys))
	for _, k := range keys {
		rendered = append(rendered, k+"="+env[k])
	}
	return rendered
}

func storeBytes(ctx context.Context, st store.Store, raw []byte) (digest.Digest, error) {
	return st.StoreBlob(ctx, store.NewBytesBlob(raw))
}
