package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge.dev/engine/internal/process"
	"forge.dev/engine/internal/rule"
	"forge.dev/engine/internal/store"
)

type (
	greeting   string
	audience   string
	fileLine   string
	toolOutput string
	lintReport any
	goReport   string
	shReport   string
)

func newTestEngine(t *testing.T, reg *rule.Registry, opts ...Option) *Engine {
	t.Helper()
	st := store.NewMemory()
	executor := process.NewExecutor(st, process.WithSandboxBase(t.TempDir()))

	graph, err := RegisterIntrinsics(reg).Validate()
	require.NoError(t, err)

	e, err := New(t.Context(), graph, st, executor, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRequestEvaluatesRuleChain(t *testing.T) {
	reg := rule.NewRegistry().
		Register(
			&rule.Rule{
				Name:   "greet",
				Output: rule.TypeOf[greeting](),
				Params: []rule.TypeID{rule.TypeOf[audience]()},
				Body: func(_ context.Context, _ rule.Getter, params []any) (any, error) {
					return greeting("hello, " + string(params[0].(audience))), nil
				},
			},
		).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg)
	s := e.NewSession(t.Context())

	got, err := Request[greeting](s, audience("world"))
	require.NoError(t, err)
	assert.Equal(t, greeting("hello, world"), got)
}

func TestAtMostOneEvaluationPerNodeIdentity(t *testing.T) {
	var evaluations atomic.Int64
	release := make(chan struct{})

	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:   "slow",
			Output: rule.TypeOf[greeting](),
			Params: []rule.TypeID{rule.TypeOf[audience]()},
			Body: func(ctx context.Context, _ rule.Getter, params []any) (any, error) {
				evaluations.Add(1)
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return greeting("done: " + string(params[0].(audience))), nil
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg, WithWorkers(8))
	s := e.NewSession(t.Context())

	const demanders = 10
	var wg sync.WaitGroup
	results := make([]greeting, demanders)
	errs := make([]error, demanders)
	for i := range demanders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Request[greeting](s, audience("shared"))
		}()
	}

	// let every demander attach before the body completes
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), evaluations.Load(), "the body must run exactly once")
	for i := range demanders {
		require.NoError(t, errs[i])
		assert.Equal(t, greeting("done: shared"), results[i])
	}
}

func TestMemoizationAcrossSessions(t *testing.T) {
	var evaluations atomic.Int64

	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:   "count",
			Output: rule.TypeOf[greeting](),
			Params: []rule.TypeID{rule.TypeOf[audience]()},
			Body: func(_ context.Context, _ rule.Getter, params []any) (any, error) {
				evaluations.Add(1)
				return greeting(string(params[0].(audience))), nil
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg)

	first := e.NewSession(t.Context())
	_, err := Request[greeting](first, audience("memo"))
	require.NoError(t, err)

	second := e.NewSession(t.Context())
	_, err = Request[greeting](second, audience("memo"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), evaluations.Load(), "completed results are shared between sessions")

	// a different input is a different node identity
	_, err = Request[greeting](second, audience("other"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), evaluations.Load())
}

func TestFailureIsCachedAndReRaised(t *testing.T) {
	var evaluations atomic.Int64

	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:   "broken",
			Output: rule.TypeOf[greeting](),
			Params: []rule.TypeID{rule.TypeOf[audience]()},
			Body: func(_ context.Context, _ rule.Getter, _ []any) (any, error) {
				evaluations.Add(1)
				return nil, errors.New("tool exploded")
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg)
	s := e.NewSession(t.Context())

	_, err1 := Request[greeting](s, audience("x"))
	require.Error(t, err1)
	var failure *Failure
	require.ErrorAs(t, err1, &failure)
	assert.Equal(t, "broken", failure.Rule)

	_, err2 := Request[greeting](s, audience("x"))
	require.Error(t, err2)
	assert.Equal(t, int64(1), evaluations.Load(), "a failure is a value: cached, not re-run")
}

func TestNestedDemandsFollowDispatchTable(t *testing.T) {
	reg := rule.NewRegistry().
		Register(
			&rule.Rule{
				Name:   "greet",
				Output: rule.TypeOf[greeting](),
				Params: []rule.TypeID{rule.TypeOf[fileLine]()},
				Gets:   []rule.Demand{{Output: rule.TypeOf[audience](), Input: rule.TypeOf[fileLine]()}},
				Body: func(ctx context.Context, g rule.Getter, params []any) (any, error) {
					aud, err := rule.Get[audience](ctx, g, params[0].(fileLine))
					if err != nil {
						return nil, err
					}
					return greeting("hi " + string(aud)), nil
				},
			},
			&rule.Rule{
				Name:   "extract-audience",
				Output: rule.TypeOf[audience](),
				Params: []rule.TypeID{rule.TypeOf[fileLine]()},
				Body: func(_ context.Context, _ rule.Getter, params []any) (any, error) {
					return audience(strings.TrimSpace(string(params[0].(fileLine)))), nil
				},
			},
		).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[fileLine]()}})

	e := newTestEngine(t, reg)
	s := e.NewSession(t.Context())

	got, err := Request[greeting](s, fileLine("  crew \n"))
	require.NoError(t, err)
	assert.Equal(t, greeting("hi crew"), got)
}

func TestUnionDemandAggregatesAllMembers(t *testing.T) {
	reg := rule.NewRegistry().
		Register(
			&rule.Rule{
				Name:   "lint-go",
				Output: rule.TypeOf[goReport](),
				Params: []rule.TypeID{rule.TypeOf[audience]()},
				Body: func(_ context.Context, _ rule.Getter, params []any) (any, error) {
					return goReport("go:" + string(params[0].(audience))), nil
				},
			},
			&rule.Rule{
				Name:   "lint-sh",
				Output: rule.TypeOf[shReport](),
				Params: []rule.TypeID{rule.TypeOf[audience]()},
				Body: func(_ context.Context, _ rule.Getter, params []any) (any, error) {
					return shReport("sh:" + string(params[0].(audience))), nil
				},
			},
		).
		RegisterUnion(
			rule.UnionMember{Base: rule.TypeOf[lintReport](), Member: rule.TypeOf[goReport]()},
			rule.UnionMember{Base: rule.TypeOf[lintReport](), Member: rule.TypeOf[shReport]()},
		).
		RegisterQuery(rule.Query{Output: rule.TypeOf[lintReport](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg)
	s := e.NewSession(t.Context())

	raw, err := s.Request(rule.TypeOf[lintReport](), audience("src"))
	require.NoError(t, err)

	values, ok := raw.([]rule.UnionValue)
	require.True(t, ok)
	require.Len(t, values, 2)
	assert.Equal(t, goReport("go:src"), values[0].Value)
	assert.Equal(t, shReport("sh:src"), values[1].Value)
}

func TestAmbientValuesBindRuleParams(t *testing.T) {
	type options map[string]string

	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:   "greet-configured",
			Output: rule.TypeOf[greeting](),
			Params: []rule.TypeID{rule.TypeOf[audience](), rule.TypeOf[options]()},
			Body: func(_ context.Context, _ rule.Getter, params []any) (any, error) {
				opts := params[1].(options)
				return greeting(opts["prefix"] + string(params[0].(audience))), nil
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	st := store.NewMemory()
	executor := process.NewExecutor(st, process.WithSandboxBase(t.TempDir()))
	graph, err := RegisterIntrinsics(reg).Validate(rule.TypeOf[options]())
	require.NoError(t, err)
	e, err := New(t.Context(), graph, st, executor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	s := e.NewSession(t.Context(), WithAmbient(options{"prefix": ">> "}))
	got, err := Request[greeting](s, audience("ops"))
	require.NoError(t, err)
	assert.Equal(t, greeting(">> ops"), got)
}

func TestProcessIntrinsicThroughRuleBody(t *testing.T) {
	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:   "run-tool",
			Output: rule.TypeOf[toolOutput](),
			Params: []rule.TypeID{rule.TypeOf[audience]()},
			Gets:   []rule.Demand{{Output: rule.TypeOf[process.Result](), Input: rule.TypeOf[process.Request]()}},
			Body: func(ctx context.Context, g rule.Getter, params []any) (any, error) {
				req, err := process.NewRequest(
					[]string{"/bin/echo", string(params[0].(audience))},
					process.WithDescription("echo tool"),
				)
				if err != nil {
					return nil, err
				}
				result, err := rule.Get[process.Result](ctx, g, req)
				if err != nil {
					return nil, err
				}
				return toolOutput(result.StdoutDigest.String()), nil
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[toolOutput](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg)
	s := e.NewSession(t.Context())

	got, err := Request[toolOutput](s, audience("hermetic"))
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestFailFastCancelsSiblingRoots(t *testing.T) {
	slowCancelled := make(chan struct{})

	reg := rule.NewRegistry().
		Register(
			&rule.Rule{
				Name:   "fails-fast",
				Output: rule.TypeOf[greeting](),
				Params: []rule.TypeID{rule.TypeOf[audience]()},
				Body: func(_ context.Context, _ rule.Getter, _ []any) (any, error) {
					time.Sleep(10 * time.Millisecond)
					return nil, errors.New("first failure")
				},
			},
			&rule.Rule{
				Name:   "slow-sibling",
				Output: rule.TypeOf[toolOutput](),
				Params: []rule.TypeID{rule.TypeOf[audience]()},
				Body: func(ctx context.Context, _ rule.Getter, _ []any) (any, error) {
					select {
					case <-ctx.Done():
						close(slowCancelled)
						return nil, ctx.Err()
					case <-time.After(30 * time.Second):
						return toolOutput("should not finish"), nil
					}
				},
			},
		).
		RegisterQuery(
			rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}},
			rule.Query{Output: rule.TypeOf[toolOutput](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}},
		)

	e := newTestEngine(t, reg, WithWorkers(4))
	s := e.NewSession(t.Context(), WithFailFast())

	start := time.Now()
	_, err := s.RequestAll(
		RootRequest{Output: rule.TypeOf[greeting](), Inputs: []any{audience("a")}},
		RootRequest{Output: rule.TypeOf[toolOutput](), Inputs: []any{audience("b")}},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first failure")
	assert.Less(t, time.Since(start), 5*time.Second, "fail-fast must not wait for the slow root")

	select {
	case <-slowCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("sibling root was not cancelled")
	}
}

func TestRequestAllCollectsFailuresWithoutFailFast(t *testing.T) {
	reg := rule.NewRegistry().
		Register(
			&rule.Rule{
				Name:   "boom",
				Output: rule.TypeOf[greeting](),
				Params: []rule.TypeID{rule.TypeOf[audience]()},
				Body: func(_ context.Context, _ rule.Getter, _ []any) (any, error) {
					return nil, errors.New("boom")
				},
			},
			&rule.Rule{
				Name:   "fine",
				Output: rule.TypeOf[toolOutput](),
				Params: []rule.TypeID{rule.TypeOf[audience]()},
				Body: func(_ context.Context, _ rule.Getter, params []any) (any, error) {
					return toolOutput("ok:" + string(params[0].(audience))), nil
				},
			},
		).
		RegisterQuery(
			rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}},
			rule.Query{Output: rule.TypeOf[toolOutput](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}},
		)

	e := newTestEngine(t, reg)
	s := e.NewSession(t.Context())

	results, err := s.RequestAll(
		RootRequest{Output: rule.TypeOf[greeting](), Inputs: []any{audience("a")}},
		RootRequest{Output: rule.TypeOf[toolOutput](), Inputs: []any{audience("b")}},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, toolOutput("ok:b"), results[1], "the healthy root still completes")
}

func TestInvalidationOnWatchedFileChange(t *testing.T) {
	workspace := t.TempDir()
	watched := filepath.Join(workspace, "foo.txt")
	require.NoError(t, os.WriteFile(watched, []byte("X"), 0o644))

	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:   "read-file",
			Output: rule.TypeOf[fileLine](),
			Params: []rule.TypeID{rule.TypeOf[audience]()},
			Gets:   []rule.Demand{{Output: rule.TypeOf[FileContent](), Input: rule.TypeOf[FilePath]()}},
			Body: func(ctx context.Context, g rule.Getter, _ []any) (any, error) {
				content, err := rule.Get[FileContent](ctx, g, FilePath{Path: "foo.txt", Origin: "read-file rule"})
				if err != nil {
					return nil, err
				}
				return fileLine(content.Content), nil
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[fileLine](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg, WithWorkspace(workspace))
	s := e.NewSession(t.Context())
	require.NoError(t, s.WatchPaths(watched))

	first, err := Request[fileLine](s, audience("session"))
	require.NoError(t, err)
	assert.Equal(t, fileLine("X"), first)

	// a cache hit while nothing changed
	again, err := Request[fileLine](s, audience("session"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	before := e.Generation()
	require.NoError(t, os.WriteFile(watched, []byte("Y"), 0o644))
	require.Eventually(t, func() bool { return e.Generation() > before }, 5*time.Second, 10*time.Millisecond,
		"the watcher must observe the change")

	second, err := Request[fileLine](s, audience("session"))
	require.NoError(t, err)
	assert.Equal(t, fileLine("Y"), second, "a new demand must observe the new content without a restart")
}

func TestMissingFileIsMissingInput(t *testing.T) {
	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:   "read-absent",
			Output: rule.TypeOf[fileLine](),
			Params: []rule.TypeID{rule.TypeOf[audience]()},
			Gets:   []rule.Demand{{Output: rule.TypeOf[FileContent](), Input: rule.TypeOf[FilePath]()}},
			Body: func(ctx context.Context, g rule.Getter, _ []any) (any, error) {
				_, err := rule.Get[FileContent](ctx, g, FilePath{Path: "nope.txt", Origin: "the test target"})
				return nil, err
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[fileLine](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg, WithWorkspace(t.TempDir()))
	s := e.NewSession(t.Context())

	_, err := Request[fileLine](s, audience("x"))
	require.Error(t, err)

	var missing *MissingInput
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "nope.txt", missing.Name)
	assert.Equal(t, "the test target", missing.Origin)
}

func TestCancelledSessionRejectsNewRequests(t *testing.T) {
	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:   "never-runs",
			Output: rule.TypeOf[greeting](),
			Params: []rule.TypeID{rule.TypeOf[audience]()},
			Body: func(_ context.Context, _ rule.Getter, _ []any) (any, error) {
				return greeting("?"), nil
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg)
	s := e.NewSession(t.Context())
	s.Cancel()

	_, err := Request[greeting](s, audience("x"))
	require.Error(t, err)
	var cancelled *Cancelled
	require.ErrorAs(t, err, &cancelled)
}

func TestCancelledNodeIsNotCached(t *testing.T) {
	var evaluations atomic.Int64

	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:   "interruptible",
			Output: rule.TypeOf[greeting](),
			Params: []rule.TypeID{rule.TypeOf[audience]()},
			Body: func(ctx context.Context, _ rule.Getter, _ []any) (any, error) {
				if evaluations.Add(1) == 1 {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				return greeting("second try"), nil
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg)

	first := e.NewSession(t.Context())
	go func() {
		time.Sleep(50 * time.Millisecond)
		first.Cancel()
	}()
	_, err := Request[greeting](first, audience("retry"))
	require.Error(t, err)

	second := e.NewSession(t.Context())
	got, err := Request[greeting](second, audience("retry"))
	require.NoError(t, err)
	assert.Equal(t, greeting("second try"), got)
	assert.Equal(t, int64(2), evaluations.Load(), "a cancelled node must be re-evaluated on the next demand")
}

func TestUnknownSemaphoreFailsTheRule(t *testing.T) {
	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:       "needs-missing-semaphore",
			Output:     rule.TypeOf[greeting](),
			Params:     []rule.TypeID{rule.TypeOf[audience]()},
			Semaphores: []string{"network"},
			Body: func(_ context.Context, _ rule.Getter, _ []any) (any, error) {
				return greeting("?"), nil
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg)
	s := e.NewSession(t.Context())

	_, err := Request[greeting](s, audience("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "semaphore")
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int64

	reg := rule.NewRegistry().
		Register(&rule.Rule{
			Name:       "heavy",
			Output:     rule.TypeOf[greeting](),
			Params:     []rule.TypeID{rule.TypeOf[audience]()},
			Semaphores: []string{"heavy_process"},
			Body: func(_ context.Context, _ rule.Getter, params []any) (any, error) {
				current := running.Add(1)
				for {
					observed := peak.Load()
					if current <= observed || peak.CompareAndSwap(observed, current) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return greeting(string(params[0].(audience))), nil
			},
		}).
		RegisterQuery(rule.Query{Output: rule.TypeOf[greeting](), Inputs: []rule.TypeID{rule.TypeOf[audience]()}})

	e := newTestEngine(t, reg, WithWorkers(8), WithSemaphore("heavy_process", 2))
	s := e.NewSession(t.Context())

	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Request[greeting](s, audience(fmt.Sprintf("job-%d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2), "the named semaphore must bound concurrent bodies")
}
