// Package engine is the demand-driven evaluator: it resolves typed
// demands through the validated rule graph's dispatch table, memoizes
// node results by (rule, input-hash) identity, bounds concurrency with a
// worker pool and named semaphores, and invalidates results when watched
// external inputs change.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"

	"forge.dev/engine/internal/cache"
	"forge.dev/engine/internal/digest"
	log "forge.dev/engine/internal/logging"
	"forge.dev/engine/internal/pathglobs"
	"forge.dev/engine/internal/process"
	"forge.dev/engine/internal/rule"
	"forge.dev/engine/internal/snapshot"
	"forge.dev/engine/internal/store"
	"forge.dev/engine/internal/watch"
)

// memoResult is the completed form of a node held in the memo tiers.
type memoResult struct {
	value    any
	err      error
	ruleName string
	// external holds the keys of every external input the node's
	// evaluation transitively read.
	external map[string]struct{}
}

// node is one in-flight evaluation. Concurrent demanders of the same
// identity attach to the same node and receive the same result.
type node struct {
	id       digest.Digest
	ruleName string
	done     chan struct{}

	value any
	err   error

	depMu    sync.Mutex
	external map[string]struct{}

	progress progressState
}

func (n *node) addExternal(keys map[string]struct{}) {
	if len(keys) == 0 {
		return
	}
	n.depMu.Lock()
	defer n.depMu.Unlock()
	if n.external == nil {
		n.external = make(map[string]struct{}, len(keys))
	}
	for k := range keys {
		n.external[k] = struct{}{}
	}
}

func (n *node) addExternalKey(key string) {
	n.addExternal(map[string]struct{}{key: {}})
}

// Engine owns the node table, the caching tiers, and the resources rule
// bodies compete for. One Engine serves many sessions.
type Engine struct {
	graph     *rule.Graph
	store     store.Store
	executor  *process.Executor
	ruleCache *cache.RuleCache
	workspace string

	workers    chan struct{}
	semaphores map[string]chan struct{}

	// pureMemo holds results with no external inputs; they never go
	// stale. externalMemo entries carry the generation they were
	// computed under and are discarded on mismatch.
	pureMemo     *cache.Memo[memoResult]
	externalMemo *cache.Memo[memoResult]
	generation   atomic.Uint64

	mu       sync.Mutex
	inflight map[digest.Digest]*node
	// nodeGraph tracks in-flight demand edges for runtime cycle
	// detection; completed nodes leave the graph.
	nodeGraph *nodeGraph

	watcher   *watch.Watcher
	watchDone chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds how many rule bodies run simultaneously.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = make(chan struct{}, n) }
}

// WithSemaphore registers a named resource with the given slot count.
// Rules declare the semaphores they need by name.
func WithSemaphore(name string, slots int) Option {
	return func(e *Engine) { e.semaphores[name] = make(chan struct{}, slots) }
}

// WithWorkspace sets the directory snapshot captures and file reads
// resolve against.
func WithWorkspace(dir string) Option {
	return func(e *Engine) { e.workspace = dir }
}

// WithRuleCache attaches the persistent memo for rules flagged
// persistent.
func WithRuleCache(c *cache.RuleCache) Option {
	return func(e *Engine) { e.ruleCache = c }
}

// New builds an Engine over a validated rule graph. Close releases it.
func New(ctx context.Context, graph *rule.Graph, st store.Store, executor *process.Executor, opts ...Option) (*Engine, error) {
	e := &Engine{
		graph:        graph,
		store:        st,
		executor:     executor,
		workspace:    ".",
		semaphores:   make(map[string]chan struct{}),
		pureMemo:     cache.NewMemo[memoResult](),
		externalMemo: cache.NewMemo[memoResult](),
		inflight:     make(map[digest.Digest]*node),
		nodeGraph:    newNodeGraph(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers == nil {
		e.workers = make(chan struct{}, runtime.GOMAXPROCS(0))
	}

	watcher, err := watch.New(ctx)
	if err != nil {
		return nil, err
	}
	e.watcher = watcher
	e.watchDone = make(chan struct{})
	go e.consumeWatchEvents(ctx)

	return e, nil
}

// Close stops the watcher and drops all cached state.
func (e *Engine) Close() error {
	err := e.watcher.Close()
	<-e.watchDone
	e.pureMemo.Clear()
	e.externalMemo.Clear()
	return err
}

// Generation returns the current invalidation generation.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

func (e *Engine) consumeWatchEvents(ctx context.Context) {
	defer close(e.watchDone)
	for event := range e.watcher.Events() {
		// cached values carry the generation they were computed under;
		// moving the counter lazily discards every external-input
		// dependent entry on its next demand
		e.generation.Store(event.Generation)
		slogcontext.FromCtx(ctx).Debug("external input changed",
			slog.String("kind", event.Kind.String()),
			slog.String("name", event.Name),
			slog.Uint64("generation", event.Generation))
	}
}

func (e *Engine) acquireWorker(ctx context.Context) error {
	select {
	case e.workers <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) releaseWorker() {
	<-e.workers
}

// acquireSemaphores takes the rule's declared semaphores in lexicographic
// order, the canonical order that prevents lock-order cycles. The
// returned release function gives them back in reverse.
func (e *Engine) acquireSemaphores(ctx context.Context, names []string) (func(), error) {
	if len(names) == 0 {
		return func() {}, nil
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	var held []chan struct{}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, name := range sorted {
		sem, ok := e.semaphores[name]
		if !ok {
			release()
			return nil, fmt.Errorf("engine: rule requires unknown semaphore %q", name)
		}
		select {
		case sem <- struct{}{}:
			held = append(held, sem)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// nodeIdentity hashes (rule, each input value) into the node's identity.
func nodeIdentity(r *rule.Rule, params []any) (digest.Digest, error) {
	var buf []byte
	buf = append(buf, r.Name...)
	buf = append(buf, 0)
	for _, p := range params {
		h, err := rule.HashValue(p)
		if err != nil {
			return digest.Digest{}, err
		}
		buf = append(buf, h.Fingerprint.String()...)
		buf = append(buf, 0)
	}
	return digest.FromBytes(buf), nil
}

// lookupMemo consults the memo tiers: timeless pure results first, then
// generation-fenced external results.
func (e *Engine) lookupMemo(id digest.Digest) (memoResult, bool) {
	if result, ok := e.pureMemo.Get(id, 0); ok {
		return result, true
	}
	if result, ok := e.externalMemo.Get(id, e.generation.Load()); ok {
		return result, true
	}
	return memoResult{}, false
}

func (e *Engine) storeMemo(id digest.Digest, result memoResult) {
	if len(result.external) == 0 {
		e.pureMemo.Put(id, 0, result)
		return
	}
	e.externalMemo.Put(id, e.generation.Load(), result)
}

// demandRule evaluates r with the given scope, attaching to an in-flight
// node when one exists. parentID is the demanding node's identity for
// runtime cycle detection, empty for root demands.
func (e *Engine) demandRule(ctx context.Context, sess *Session, parentID string, r *rule.Rule, scope map[rule.TypeID]any) (any, map[string]struct{}, error) {
	params, err := bindParams(r, scope)
	if err != nil {
		return nil, nil, err
	}
	id, err := nodeIdentity(r, params)
	if err != nil {
		return nil, nil, &Failure{Rule: r.Name, Err: err}
	}

	if result, ok := e.lookupMemo(id); ok {
		return result.value, result.external, result.err
	}

	n, created, err := e.attach(parentID, id, r.Name)
	if err != nil {
		return nil, nil, err
	}
	if created {
		go e.evaluate(ctx, sess, n, r, params)
	}

	select {
	case <-n.done:
	case <-ctx.Done():
		return nil, nil, &Cancelled{Rule: r.Name}
	}
	var cancelled *Cancelled
	if !created && ctx.Err() == nil && errors.As(n.err, &cancelled) {
		// the attached node was started by another, since cancelled
		// session and is not memoized: demand it afresh
		return e.demandRule(ctx, sess, parentID, r, scope)
	}
	n.depMu.Lock()
	external := n.external
	n.depMu.Unlock()
	return n.value, external, n.err
}

// attach returns the in-flight node for id, creating it under a short
// critical section when absent. The demand edge parent -> id is recorded
// for cycle detection; a rejected edge is a concrete evaluation cycle.
func (e *Engine) attach(parentID string, id digest.Digest, ruleName string) (*node, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, exists := e.inflight[id]
	if !exists {
		// re-check the memo under the lock: the node may have completed
		// between lookup and attach
		if result, ok := e.lookupMemo(id); ok {
			completed := &node{id: id, ruleName: ruleName, done: make(chan struct{}), value: result.value, err: result.err, external: result.external}
			close(completed.done)
			return completed, false, nil
		}
		n = &node{id: id, ruleName: ruleName, done: make(chan struct{})}
		e.inflight[id] = n
		e.nodeGraph.add(n.graphID())
	}

	if parentID != "" {
		if cycle := e.nodeGraph.addDemand(parentID, n.graphID()); cycle != nil {
			if !exists {
				delete(e.inflight, id)
				e.nodeGraph.remove(n.graphID())
			}
			return nil, false, &EvaluationCycle{Nodes: cycle}
		}
	}
	return n, !exists, nil
}

func (n *node) graphID() string {
	if n.id.Zero() {
		return n.ruleName
	}
	return n.ruleName + "#" + n.id.Fingerprint.Encoded()
}

// evaluate runs one rule body to completion: semaphores in canonical
// order, a worker slot for the body itself, failures wrapped as values.
func (e *Engine) evaluate(ctx context.Context, sess *Session, n *node, r *rule.Rule, params []any) {
	var value any
	var err error

	defer func() {
		n.value, n.err = value, err

		e.mu.Lock()
		delete(e.inflight, n.id)
		e.nodeGraph.remove(n.graphID())
		e.mu.Unlock()

		var cancelled *Cancelled
		if !errors.As(err, &cancelled) {
			n.depMu.Lock()
			external := n.external
			n.depMu.Unlock()
			e.storeMemo(n.id, memoResult{value: value, err: err, ruleName: r.Name, external: external})
		}
		close(n.done)
	}()

	done := log.Operation(ctx, "evaluate rule", slog.String("rule", r.Name))
	defer func() { done(err) }()

	if r.Persistent && e.ruleCache != nil {
		payload, hit, cacheErr := e.ruleCache.Get(n.id)
		if cacheErr == nil && hit {
			if decoded, decodeErr := r.Codec.Decode(payload); decodeErr == nil {
				value = decoded
				return
			}
		}
	}

	release, err := e.acquireSemaphores(ctx, r.Semaphores)
	if err != nil {
		err = wrapBodyError(ctx, r, err)
		return
	}
	defer release()

	if err = e.acquireWorker(ctx); err != nil {
		err = wrapBodyError(ctx, r, err)
		return
	}
	defer e.releaseWorker()

	getter := &bodyGetter{engine: e, session: sess, node: n}
	value, err = r.Body(withProgress(ctx, &n.progress), getter, params)
	if err != nil {
		value = nil
		err = wrapBodyError(ctx, r, err)
		return
	}

	if r.Persistent && e.ruleCache != nil {
		n.depMu.Lock()
		pure := len(n.external) == 0
		n.depMu.Unlock()
		if pure {
			if payload, encodeErr := r.Codec.Encode(value); encodeErr == nil {
				_ = e.ruleCache.Put(n.id, payload)
			}
		}
	}
}

// wrapBodyError turns a body error into the cached failure value, keeping
// already-structured failures intact.
func wrapBodyError(ctx context.Context, r *rule.Rule, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return &Cancelled{Rule: r.Name}
	}
	var cancelled *Cancelled
	var failure *Failure
	if errors.As(err, &cancelled) || errors.As(err, &failure) {
		return err
	}
	return &Failure{Rule: r.Name, Err: err}
}

func bindParams(r *rule.Rule, scope map[rule.TypeID]any) ([]any, error) {
	params := make([]any, len(r.Params))
	for i, paramType := range r.Params {
		value, ok := scope[paramType]
		if !ok {
			return nil, &Failure{Rule: r.Name, Err: fmt.Errorf("engine: parameter type %s not bound in scope", paramType)}
		}
		params[i] = value
	}
	return params, nil
}

func renderInputs(inputs []any) string {
	parts := make([]string, len(inputs))
	for i, in := range inputs {
		parts[i] = fmt.Sprintf("%T", in)
	}
	return strings.Join(parts, ", ")
}

// bodyGetter is the Getter handed to one rule body. Every Get is a
// suspension point: the worker slot is released while the sub-result is
// produced and re-acquired before the body resumes.
type bodyGetter struct {
	engine  *Engine
	session *Session
	node    *node
}

var _ rule.Getter = (*bodyGetter)(nil)

func (g *bodyGetter) Get(ctx context.Context, d rule.Demand, input any) (any, error) {
	g.engine.releaseWorker()
	defer func() { _ = g.engine.acquireWorker(context.WithoutCancel(ctx)) }()
	return g.engine.resolveDemand(ctx, g.session, g.node, d, input)
}

func (g *bodyGetter) GetMany(ctx context.Context, d rule.Demand, inputs []any) ([]any, error) {
	g.engine.releaseWorker()
	defer func() { _ = g.engine.acquireWorker(context.WithoutCancel(ctx)) }()

	results := make([]any, len(inputs))
	eg, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		eg.Go(func() error {
			value, err := g.engine.resolveDemand(gctx, g.session, g.node, d, in)
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

// resolveDemand serves one demand: intrinsics directly, everything else
// through the dispatch table computed at validation.
func (e *Engine) resolveDemand(ctx context.Context, sess *Session, demander *node, d rule.Demand, input any) (any, error) {
	switch d.Output {
	case processResultType, snapshotType, fileContentType, envValueType:
		return e.resolveIntrinsic(ctx, demander, d, input)
	}

	scope := sess.scopeWith(d.Input, input)

	if providers, ok := e.graph.UnionProviders(demander.ruleName, d); ok {
		return e.demandUnion(ctx, sess, demander, providers, scope)
	}

	provider, ok := e.graph.Provider(demander.ruleName, d)
	if !ok {
		return nil, &Failure{
			Rule: demander.ruleName,
			Err:  fmt.Errorf("engine: demand for %s from %s was not declared", d.Output, d.Input),
		}
	}
	value, external, err := e.demandRule(ctx, sess, demander.graphID(), provider, scope)
	demander.addExternal(external)
	return value, err
}

// demandUnion fans a union demand out to every member provider
// concurrently and aggregates the results in member order.
func (e *Engine) demandUnion(ctx context.Context, sess *Session, demander *node, providers []rule.MemberProvider, scope map[rule.TypeID]any) (any, error) {
	values := make([]rule.UnionValue, len(providers))
	eg, gctx := errgroup.WithContext(ctx)
	for i, member := range providers {
		eg.Go(func() error {
			value, external, err := e.demandRule(gctx, sess, demander.graphID(), member.Provider, scope)
			if err != nil {
				return err
			}
			demander.addExternal(external)
			values[i] = rule.UnionValue{Member: member.Member, Value: value}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// resolveIntrinsic serves the engine-provided primitives. File and env
// reads record the external input they touched on the demanding node.
func (e *Engine) resolveIntrinsic(ctx context.Context, demander *node, d rule.Demand, input any) (any, error) {
	switch d.Output {
	case processResultType:
		req, ok := input.(process.Request)
		if !ok {
			return nil, fmt.Errorf("engine: process demand needs a process.Request, got %T", input)
		}
		return e.executor.Execute(ctx, req)

	case snapshotType:
		globs, ok := input.(pathglobs.PathGlobs)
		if !ok {
			return nil, fmt.Errorf("engine: snapshot demand needs a pathglobs.PathGlobs, got %T", input)
		}
		snap, err := snapshot.Capture(ctx, e.store, e.workspace, snapshot.CaptureOptions{Globs: globs})
		if err != nil {
			return nil, err
		}
		for _, f := range snap.Files() {
			demander.addExternalKey(fileDepKey(filepath.Join(e.workspace, filepath.FromSlash(f))))
		}
		return snap, nil

	case fileContentType:
		path, ok := input.(FilePath)
		if !ok {
			return nil, fmt.Errorf("engine: file demand needs an engine.FilePath, got %T", input)
		}
		abs := filepath.Join(e.workspace, filepath.FromSlash(path.Path))
		demander.addExternalKey(fileDepKey(abs))
		content, err := os.ReadFile(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &MissingInput{Name: path.Path, Origin: path.Origin}
			}
			return nil, err
		}
		return FileContent{Path: path.Path, Content: content}, nil

	case envValueType:
		name, ok := input.(EnvName)
		if !ok {
			return nil, fmt.Errorf("engine: env demand needs an engine.EnvName, got %T", input)
		}
		demander.addExternalKey(envDepKey(string(name)))
		return EnvValue{Name: string(name), Value: os.Getenv(string(name))}, nil
	}
	return nil, fmt.Errorf("engine: unknown intrinsic %s", d.Output)
}

func fileDepKey(abs string) string { return "file:" + abs }
func envDepKey(name string) string { return "env:" + name }
