package engine

import (
	"slices"
	"sync"
)

// nodeGraph tracks the demand edges between in-flight nodes. Static
// validation makes type-level cycles impossible, so this is the runtime
// backstop: an edge that would close a cycle among concrete nodes is
// rejected with the offending path, and the demander surfaces
// EvaluationCycle instead of deadlocking on its own result.
//
// Completed nodes leave the graph — a finished node can never be part of
// a wait cycle.
type nodeGraph struct {
	mu sync.Mutex
	// demands maps an in-flight node to the in-flight nodes it waits on.
	demands map[string][]string
}

func newNodeGraph() *nodeGraph {
	return &nodeGraph{demands: make(map[string][]string)}
}

// add registers an in-flight node.
func (g *nodeGraph) add(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.demands[id]; !exists {
		g.demands[id] = nil
	}
}

// remove drops a completed node and every edge pointing at it.
func (g *nodeGraph) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.demands, id)
	for from, to := range g.demands {
		if slices.Contains(to, id) {
			g.demands[from] = slices.DeleteFunc(to, func(v string) bool { return v == id })
		}
	}
}

// addDemand records that parent waits on child. If the edge would close
// a cycle, nothing is recorded and the cycle path is returned. Unknown
// parents (root demands) are accepted without bookkeeping.
func (g *nodeGraph) addDemand(parent, child string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, known := g.demands[parent]; !known {
		return nil
	}
	if parent == child {
		return []string{parent, child}
	}
	if slices.Contains(g.demands[parent], child) {
		return nil
	}
	if path := g.path(child, parent); path != nil {
		return append(path, child)
	}
	g.demands[parent] = append(g.demands[parent], child)
	return nil
}

// path returns the demand path from one node to another, or nil when the
// target is unreachable. Runs under g.mu.
func (g *nodeGraph) path(from, to string) []string {
	seen := map[string]bool{from: true}
	var walk func(current string, path []string) []string
	walk = func(current string, path []string) []string {
		for _, next := range g.demands[current] {
			step := append(slices.Clone(path), next)
			if next == to {
				return step
			}
			if seen[next] {
				continue
			}
			seen[next] = true
			if found := walk(next, step); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(from, []string{from})
}
