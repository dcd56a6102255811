package engine

import (
	"context"
	"log/slog"
	"sync"

	slogcontext "github.com/veqryn/slog-context"
)

// progressState is the UI hint surface of one node: a label naming the
// work and a bounded tail of progress lines. Renderers poll it; rule
// bodies update it through SetLabel and Progress.
type progressState struct {
	mu    sync.Mutex
	label string
	lines []string
}

// progressLineLimit bounds how many progress lines a node retains.
const progressLineLimit = 16

type progressKey struct{}

// withProgress attaches a node's progress state to the context handed to
// its rule body.
func withProgress(ctx context.Context, p *progressState) context.Context {
	return context.WithValue(ctx, progressKey{}, p)
}

func progressFrom(ctx context.Context) *progressState {
	p, _ := ctx.Value(progressKey{}).(*progressState)
	return p
}

// SetLabel attaches a human-readable label to the currently evaluating
// node, e.g. the target address being worked on. Outside a rule body it
// only logs.
func SetLabel(ctx context.Context, label string) {
	if p := progressFrom(ctx); p != nil {
		p.mu.Lock()
		p.label = label
		p.mu.Unlock()
	}
	slogcontext.FromCtx(ctx).Debug("node label", slog.String("label", label))
}

// Progress appends a progress line to the currently evaluating node,
// keeping only the most recent lines.
func Progress(ctx context.Context, line string) {
	if p := progressFrom(ctx); p != nil {
		p.mu.Lock()
		p.lines = append(p.lines, line)
		if len(p.lines) > progressLineLimit {
			p.lines = p.lines[len(p.lines)-progressLineLimit:]
		}
		p.mu.Unlock()
	}
	slogcontext.FromCtx(ctx).Debug("node progress", slog.String("line", line))
}

// NodeProgress is one in-flight node's current UI hint.
type NodeProgress struct {
	Rule  string
	Label string
	Lines []string
}

// InflightProgress snapshots the labels and progress lines of every
// in-flight node, for UI renderers.
func (e *Engine) InflightProgress() []NodeProgress {
	e.mu.Lock()
	nodes := make([]*node, 0, len(e.inflight))
	for _, n := range e.inflight {
		nodes = append(nodes, n)
	}
	e.mu.Unlock()

	out := make([]NodeProgress, 0, len(nodes))
	for _, n := range nodes {
		n.progress.mu.Lock()
		out = append(out, NodeProgress{
			Rule:  n.ruleName,
			Label: n.progress.label,
			Lines: append([]string(nil), n.progress.lines...),
		})
		n.progress.mu.Unlock()
	}
	return out
}
