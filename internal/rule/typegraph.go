package rule

import (
	"slices"
)

// typeGraph records the provider edges the validator chooses between
// rules. It exists for one purpose: proving the type-level rule graph
// acyclic while the dispatch table is built, and producing the offending
// path when it is not.
type typeGraph struct {
	// providers maps a rule name to the names of the rules chosen to
	// serve its demands.
	providers map[string][]string
}

func newTypeGraph(rules []*Rule) *typeGraph {
	g := &typeGraph{providers: make(map[string][]string, len(rules))}
	for _, r := range rules {
		g.providers[r.Name] = nil
	}
	return g
}

// addProvider records that rule `from` satisfies one of its demands via
// rule `to`. If the edge would close a cycle, nothing is recorded and
// the cycle path from `to` back around to itself is returned.
func (g *typeGraph) addProvider(from, to string) []string {
	if from == to {
		return []string{from, to}
	}
	if slices.Contains(g.providers[from], to) {
		return nil
	}
	if path := g.pathBetween(to, from); path != nil {
		return append(path, to)
	}
	g.providers[from] = append(g.providers[from], to)
	return nil
}

// pathBetween returns the provider path from one rule to another, or nil
// if the target is not reachable.
func (g *typeGraph) pathBetween(from, to string) []string {
	if from == to {
		return []string{from}
	}
	seen := map[string]bool{from: true}
	var walk func(current string, path []string) []string
	walk = func(current string, path []string) []string {
		for _, next := range g.providers[current] {
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
