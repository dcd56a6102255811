// Package rule defines the engine's typed dataflow vocabulary: rules,
// their declared demands, union memberships, and the startup validator
// that proves every query has exactly one well-typed proof tree before
// anything runs. The evaluator consumes the validator's dispatch table
// verbatim; no type search happens at execution time.
package rule

import (
	"context"
	"fmt"
	"reflect"
	"sort"
)

// TypeID identifies a value type in the rule graph.
type TypeID = reflect.Type

// TypeOf returns the TypeID for T.
func TypeOf[T any]() TypeID {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Demand is one declared get-site inside a rule body: a request for a
// value of Output computed from a value of Input.
type Demand struct {
	Output TypeID
	Input  TypeID
}

// Getter is the callback surface the evaluator hands to rule bodies. Get
// suspends the calling body until the demanded value is available;
// GetMany issues the demands concurrently and suspends until all are
// done.
type Getter interface {
	Get(ctx context.Context, d Demand, input any) (any, error)
	GetMany(ctx context.Context, d Demand, inputs []any) ([]any, error)
}

// Get is the typed convenience wrapper over Getter for rule bodies.
func Get[Out, In any](ctx context.Context, g Getter, input In) (Out, error) {
	raw, err := g.Get(ctx, Demand{Output: TypeOf[Out](), Input: TypeOf[In]()}, input)
	if err != nil {
		var zero Out
		return zero, err
	}
	return raw.(Out), nil
}

// GetMany is the typed convenience wrapper for a batch of demands of the
// same shape.
func GetMany[Out, In any](ctx context.Context, g Getter, inputs []In) ([]Out, error) {
	raw := make([]any, len(inputs))
	for i, in := range inputs {
		raw[i] = in
	}
	results, err := g.GetMany(ctx, Demand{Output: TypeOf[Out](), Input: TypeOf[In]()}, raw)
	if err != nil {
		return nil, err
	}
	typed := make([]Out, len(results))
	for i, r := range results {
		typed[i] = r.(Out)
	}
	return typed, nil
}

// BodyFunc is a rule body: a pure function of its parameter values that
// may request sub-results through the Getter. Params arrive in the order
// the rule declared them.
type BodyFunc func(ctx context.Context, g Getter, params []any) (any, error)

// Rule is one registered computation: an output type, parameter types,
// the demand sites its body may issue, and the body itself. Rules are
// registered at startup and immutable for a session.
type Rule struct {
	// Name identifies the rule in errors, logs and the dispatch table.
	Name   string
	Output TypeID
	Params []TypeID
	// Gets declares every demand the body may issue. A body issuing an
	// undeclared demand for a rule-provided type fails at runtime;
	// intrinsic demands are served whether declared or not.
	// Declared-but-unused demands are allowed.
	Gets []Demand
	Body BodyFunc
	// Persistent marks a deterministic rule whose results may be
	// persisted across restarts. Requires a Codec.
	Persistent bool
	// Codec serializes the rule's output for the persistent memo tier.
	Codec *Codec
	// Semaphores names the resource slots the body needs while running.
	// The evaluator acquires them in lexicographic order.
	Semaphores []string
}

// Codec translates a rule output to and from the persistent cache's byte
// payloads.
type Codec struct {
	Encode func(value any) ([]byte, error)
	Decode func(payload []byte) (any, error)
}

// UnionMember registers Member as a variant of the union type Base. A
// demand for Base fans out to every registered member.
type UnionMember struct {
	Base   TypeID
	Member TypeID
}

// UnionValue is one aggregated member result of a union demand.
type UnionValue struct {
	Member TypeID
	Value  any
}

// Query declares a root request shape the session API must serve: an
// output type computed from a tuple of input types.
type Query struct {
	Output TypeID
	Inputs []TypeID
}

func (q Query) String() string {
	inputs := make([]string, len(q.Inputs))
	for i, in := range q.Inputs {
		inputs[i] = in.String()
	}
	return fmt.Sprintf("%s(%s)", q.Output, joinStrings(inputs))
}

// Registry collects the rules, union memberships and queries registered
// for a session. It is write-only until Validate seals it into a Graph.
type Registry struct {
	rules      []*Rule
	unions     map[TypeID][]TypeID
	queries    []Query
	intrinsics map[TypeID]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		unions:     make(map[TypeID][]TypeID),
		intrinsics: make(map[TypeID]struct{}),
	}
}

// Register adds rules. Duplicate names are rejected at validation.
func (r *Registry) Register(rules ...*Rule) *Registry {
	r.rules = append(r.rules, rules...)
	return r
}

// RegisterUnion adds union memberships.
func (r *Registry) RegisterUnion(members ...UnionMember) *Registry {
	for _, m := range members {
		r.unions[m.Base] = append(r.unions[m.Base], m.Member)
	}
	return r
}

// RegisterQuery declares a root request shape.
func (r *Registry) RegisterQuery(queries ...Query) *Registry {
	r.queries = append(r.queries, queries...)
	return r
}

// RegisterIntrinsic marks output types the evaluator itself provides
// (process execution, snapshot capture, file reads). Demands for them
// validate without a rule provider.
func (r *Registry) RegisterIntrinsic(outputs ...TypeID) *Registry {
	for _, out := range outputs {
		r.intrinsics[out] = struct{}{}
	}
	return r
}

// IsIntrinsic reports whether output is provided by the evaluator.
func (r *Registry) IsIntrinsic(output TypeID) bool {
	_, ok := r.intrinsics[output]
	return ok
}

// Rules returns the registered rules sorted by name.
func (r *Registry) Rules() []*Rule {
	sorted := append([]*Rule(nil), r.rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted
}

// UnionMembers returns the registered members of base, sorted by type
// name for deterministic aggregation order.
func (r *Registry) UnionMembers(base TypeID) []TypeID {
	members := append([]TypeID(nil), r.unions[base]...)
	sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })
	return members
}

// IsUnion reports whether base has registered members.
func (r *Registry) IsUnion(base TypeID) bool {
	return len(r.unions[base]) > 0
}

func joinStrings(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
