package engine

import (
	"fmt"
	"strings"
)

// MissingInput reports a required external input (a file, an environment
// variable, a target) that could not be found. Origin names the
// declaration that required it.
type MissingInput struct {
	Name   string
	Origin string
}

func (e *MissingInput) Error() string {
	if e.Origin == "" {
		return fmt.Sprintf("missing input %q", e.Name)
	}
	return fmt.Sprintf("missing input %q required by %s", e.Name, e.Origin)
}

// EvaluationCycle reports a dependency cycle among concrete nodes at
// runtime. Static validation prevents almost all of these; the runtime
// check is the backstop.
type EvaluationCycle struct {
	Nodes []string
}

func (e *EvaluationCycle) Error() string {
	return fmt.Sprintf("evaluation cycle among nodes: %s", strings.Join(e.Nodes, " -> "))
}

// Cancelled reports work dropped because its session was cancelled.
type Cancelled struct {
	Rule string
}

func (e *Cancelled) Error() string {
	if e.Rule == "" {
		return "cancelled"
	}
	return fmt.Sprintf("cancelled while evaluating %s", e.Rule)
}

// Failure is the structured error surfaced to demanders: the failing
// rule, a rendering of its inputs, and the underlying cause. It is a
// value; it is cached as the node's result and re-raised to every
// demander.
type Failure struct {
	Rule   string
	Inputs string
	Err    error
}

func (e *Failure) Error() string {
	if e.Inputs == "" {
		return fmt.Sprintf("rule %s failed: %v", e.Rule, e.Err)
	}
	return fmt.Sprintf("rule %s(%s) failed: %v", e.Rule, e.Inputs, e.Err)
}

func (e *Failure) Unwrap() error { return e.Err }
