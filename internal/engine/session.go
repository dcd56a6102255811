package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"

	"forge.dev/engine/internal/rule"
)

// Session is one user-initiated evaluation: its own cancellation scope,
// fail-fast policy, ambient input values, and watched external inputs.
type Session struct {
	engine   *Engine
	ctx      context.Context
	cancel   context.CancelFunc
	failFast bool
	ambient  map[rule.TypeID]any
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithFailFast makes the first root failure cancel every outstanding
// root request.
func WithFailFast() SessionOption {
	return func(s *Session) { s.failFast = true }
}

// WithAmbient provides session input values available to every rule
// whose parameters declare their types, e.g. the options mapping.
func WithAmbient(values ...any) SessionOption {
	return func(s *Session) {
		for _, v := range values {
			s.ambient[reflect.TypeOf(v)] = v
		}
	}
}

// NewSession opens a session. Cancelling ctx, or calling Cancel, drops
// every not-yet-completed node the session demanded.
func (e *Engine) NewSession(ctx context.Context, opts ...SessionOption) *Session {
	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		engine:  e,
		ctx:     sessCtx,
		cancel:  cancel,
		ambient: make(map[rule.TypeID]any),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cancel aborts the session: outstanding nodes it exclusively demanded
// are dropped and in-flight processes are terminated after the grace
// period.
func (s *Session) Cancel() {
	s.cancel()
}

// WatchPaths registers files or directories whose changes invalidate
// dependent nodes.
func (s *Session) WatchPaths(paths ...string) error {
	return s.engine.watcher.WatchPaths(paths...)
}

// WatchEnv registers environment variables the session declares it
// reads.
func (s *Session) WatchEnv(names ...string) {
	s.engine.watcher.WatchEnv(names...)
}

// scopeWith builds the type-indexed value scope for a demand: the
// demand's input plus the session's ambient values.
func (s *Session) scopeWith(input rule.TypeID, value any) map[rule.TypeID]any {
	scope := make(map[rule.TypeID]any, len(s.ambient)+1)
	for t, v := range s.ambient {
		scope[t] = v
	}
	if input != nil {
		scope[input] = value
	}
	return scope
}

// RootRequest is one root demand submitted to the session.
type RootRequest struct {
	Output rule.TypeID
	Inputs []any
}

// Request submits a single root demand and blocks until its result is
// available or the session is cancelled.
func (s *Session) Request(output rule.TypeID, inputs ...any) (any, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, &Cancelled{}
	}
	return s.requestWithin(s.ctx, RootRequest{Output: output, Inputs: inputs})
}

// Request is the typed convenience wrapper over Session.Request.
func Request[T any](s *Session, inputs ...any) (T, error) {
	raw, err := s.Request(rule.TypeOf[T](), inputs...)
	if err != nil {
		var zero T
		return zero, err
	}
	return raw.(T), nil
}

// RequestAll submits several root demands concurrently. With fail-fast,
// the first failure cancels the remaining roots and is returned alone;
// without it, all roots run to completion and the failures are joined.
func (s *Session) RequestAll(requests ...RootRequest) ([]any, error) {
	results := make([]any, len(requests))

	if s.failFast {
		eg, ctx := errgroup.WithContext(s.ctx)
		for i, req := range requests {
			eg.Go(func() error {
				value, err := s.requestWithin(ctx, req)
				if err != nil {
					return err
				}
				results[i] = value
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}

	errs := make([]error, len(requests))
	var eg errgroup.Group
	for i, req := range requests {
		eg.Go(func() error {
			results[i], errs[i] = s.requestWithin(s.ctx, req)
			return nil
		})
	}
	_ = eg.Wait()
	return results, errors.Join(errs...)
}

// requestWithin is Request under an explicit context, used by RequestAll
// so fail-fast cancellation reaches sibling roots.
func (s *Session) requestWithin(ctx context.Context, req RootRequest) (any, error) {
	inputTypes := make([]rule.TypeID, len(req.Inputs))
	scope := s.scopeWith(nil, nil)
	for i, in := range req.Inputs {
		inputTypes[i] = reflect.TypeOf(in)
		scope[inputTypes[i]] = in
	}
	q := rule.Query{Output: req.Output, Inputs: inputTypes}

	if members, ok := s.engine.graph.UnionQueryProviders(q); ok {
		root := &node{ruleName: "<root>"}
		return s.engine.demandUnion(ctx, s, root, members, scope)
	}

	provider, ok := s.engine.graph.QueryProvider(q)
	if !ok {
		return nil, &Failure{
			Rule: "<root>",
			Err:  fmt.Errorf("engine: no registered query produces %s from (%s)", req.Output, renderInputs(req.Inputs)),
		}
	}
	value, _, err := s.engine.demandRule(ctx, s, "", provider, scope)
	return value, err
}
