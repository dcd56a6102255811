package rule

import (
	"fmt"
	"sort"
	"strings"
)

// NoRuleProvides is the validation failure for a demand no registered
// rule can satisfy from the types in scope.
type NoRuleProvides struct {
	Output TypeID
	Inputs []TypeID
}

func (e *NoRuleProvides) Error() string {
	inputs := make([]string, len(e.Inputs))
	for i, in := range e.Inputs {
		inputs[i] = in.String()
	}
	return fmt.Sprintf("no rule provides %s from (%s)", e.Output, strings.Join(inputs, ", "))
}

// AmbiguousRule is the validation failure for a demand more than one
// registered rule can satisfy in the same scope.
type AmbiguousRule struct {
	Output     TypeID
	Candidates []string
}

func (e *AmbiguousRule) Error() string {
	return fmt.Sprintf("ambiguous rules for %s: %s", e.Output, strings.Join(e.Candidates, ", "))
}

// CycleInRuleTypes is the validation failure for a cycle in the
// type-level rule graph.
type CycleInRuleTypes struct {
	Cycle []string
}

func (e *CycleInRuleTypes) Error() string {
	return fmt.Sprintf("cycle in rule types: %s", strings.Join(e.Cycle, " -> "))
}

// providerKey addresses one demand site in the dispatch table.
type providerKey struct {
	rule   string
	demand Demand
}

// MemberProvider pairs a union member type with the rule chosen to
// produce it.
type MemberProvider struct {
	Member   TypeID
	Provider *Rule
}

// Graph is the sealed result of validation: the registry plus the
// dispatch table mapping every demand site and every query to its chosen
// provider. The evaluator never searches types at runtime; it only
// indexes into this table.
type Graph struct {
	registry *Registry
	ambient  []TypeID

	dispatch      map[providerKey]*Rule
	unionDispatch map[providerKey][]MemberProvider
	queries       map[string]*Rule
	unionQueries  map[string][]MemberProvider
}

// Registry returns the registry the graph was validated from.
func (g *Graph) Registry() *Registry {
	return g.registry
}

// Provider returns the rule chosen for the demand site (rule, d).
func (g *Graph) Provider(ruleName string, d Demand) (*Rule, bool) {
	p, ok := g.dispatch[providerKey{rule: ruleName, demand: d}]
	return p, ok
}

// UnionProviders returns the per-member providers chosen for a union
// demand site.
func (g *Graph) UnionProviders(ruleName string, d Demand) ([]MemberProvider, bool) {
	m, ok := g.unionDispatch[providerKey{rule: ruleName, demand: d}]
	return m, ok
}

// QueryProvider returns the rule chosen to serve a root query.
func (g *Graph) QueryProvider(q Query) (*Rule, bool) {
	p, ok := g.queries[q.String()]
	return p, ok
}

// UnionQueryProviders returns the per-member providers for a root query
// on a union type.
func (g *Graph) UnionQueryProviders(q Query) ([]MemberProvider, bool) {
	m, ok := g.unionQueries[q.String()]
	return m, ok
}

// AmbientTypes returns the session-input types available to every rule.
func (g *Graph) AmbientTypes() []TypeID {
	return append([]TypeID(nil), g.ambient...)
}

// Validate proves that every registered query and every declared demand
// site has exactly one provider, that unions have at least one member,
// and that the type-level rule graph is acyclic. Ambient types are
// session inputs (e.g. the options mapping) available in every scope.
func (r *Registry) Validate(ambient ...TypeID) (*Graph, error) {
	byName := make(map[string]*Rule, len(r.rules))
	byOutput := make(map[TypeID][]*Rule)
	for _, rl := range r.rules {
		if rl.Name == "" {
			return nil, fmt.Errorf("rule: unnamed rule producing %s", rl.Output)
		}
		if _, dup := byName[rl.Name]; dup {
			return nil, fmt.Errorf("rule: duplicate rule name %q", rl.Name)
		}
		if rl.Persistent && rl.Codec == nil {
			return nil, fmt.Errorf("rule: persistent rule %q lacks a codec", rl.Name)
		}
		byName[rl.Name] = rl
		byOutput[rl.Output] = append(byOutput[rl.Output], rl)
	}

	g := &Graph{
		registry:      r,
		ambient:       append([]TypeID(nil), ambient...),
		dispatch:      make(map[providerKey]*Rule),
		unionDispatch: make(map[providerKey][]MemberProvider),
		queries:       make(map[string]*Rule),
		unionQueries:  make(map[string][]MemberProvider),
	}

	graph := newTypeGraph(r.rules)

	resolve := func(output TypeID, available []TypeID) (*Rule, error) {
		var candidates []*Rule
		for _, candidate := range byOutput[output] {
			if paramsSatisfied(candidate, available) {
				candidates = append(candidates, candidate)
			}
		}
		switch len(candidates) {
		case 0:
			return nil, &NoRuleProvides{Output: output, Inputs: available}
		case 1:
			return candidates[0], nil
		default:
			names := make([]string, len(candidates))
			for i, c := range candidates {
				names[i] = c.Name
			}
			sort.Strings(names)
			return nil, &AmbiguousRule{Output: output, Candidates: names}
		}
	}

	// resolveDemand handles both plain and union outputs, returning the
	// provider set to record and the edges to add to the type graph.
	resolveDemand := func(output TypeID, available []TypeID) (*Rule, []MemberProvider, error) {
		if r.IsUnion(output) {
			members := r.UnionMembers(output)
			providers := make([]MemberProvider, 0, len(members))
			for _, member := range members {
				p, err := resolve(member, available)
				if err != nil {
					return nil, nil, err
				}
				providers = append(providers, MemberProvider{Member: member, Provider: p})
			}
			return nil, providers, nil
		}
		p, err := resolve(output, available)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	}

	addEdge := func(from, to string) error {
		if cycle := graph.addProvider(from, to); cycle != nil {
			return &CycleInRuleTypes{Cycle: cycle}
		}
		return nil
	}

	for _, rl := range r.Rules() {
		for _, d := range rl.Gets {
			if r.IsIntrinsic(d.Output) {
				continue
			}
			available := append([]TypeID{d.Input}, ambient...)
			provider, members, err := resolveDemand(d.Output, available)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rl.Name, err)
			}
			key := providerKey{rule: rl.Name, demand: d}
			if provider != nil {
				g.dispatch[key] = provider
				if err := addEdge(rl.Name, provider.Name); err != nil {
					return nil, err
				}
				continue
			}
			g.unionDispatch[key] = members
			for _, m := range members {
				if err := addEdge(rl.Name, m.Provider.Name); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, q := range r.queries {
		if r.IsIntrinsic(q.Output) {
			continue
		}
		available := append(append([]TypeID(nil), q.Inputs...), ambient...)
		provider, members, err := resolveDemand(q.Output, available)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q, err)
		}
		if provider != nil {
			g.queries[q.String()] = provider
			continue
		}
		g.unionQueries[q.String()] = members
	}

	return g, nil
}

// paramsSatisfied reports whether every parameter of candidate is bound
// by one of the available types.
func paramsSatisfied(candidate *Rule, available []TypeID) bool {
	for _, param := range candidate.Params {
		bound := false
		for _, a := range available {
			if param == a {
				bound = true
				break
			}
		}
		if !bound {
			return false
		}
	}
	return true
}
