// Package pathglobs selects file paths by include/exclude glob sets. A
// PathGlobs value is pure data; compiling it yields a Matcher that can be
// applied to any sorted path listing, whether it came from a snapshot or
// from walking the local workspace.
package pathglobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	slogcontext "github.com/veqryn/slog-context"
)

// NoMatchPolicy governs what happens when an include pattern matches zero
// files.
type NoMatchPolicy string

const (
	// Ignore lets empty matches pass silently.
	Ignore NoMatchPolicy = "ignore"
	// Warn logs each empty include at warning level, naming the origin.
	Warn NoMatchPolicy = "warn"
	// Error fails the whole selection with NoFilesMatched.
	Error NoMatchPolicy = "error"
)

// PathGlobs is an ordered include set, an ordered exclude set, a no-match
// policy and a human-readable description of where the globs came from.
// Excludes are applied after includes; result ordering is always the
// canonical sorted order of the matched paths, independent of pattern
// order.
type PathGlobs struct {
	Includes []string
	Excludes []string
	Policy   NoMatchPolicy
	// Origin names the place the globs were declared, e.g. a target
	// address or an option name. It is only used in messages.
	Origin string
}

// NewPathGlobs builds a PathGlobs with the given includes and the default
// ignore policy. Use the With* methods to refine.
func NewPathGlobs(includes ...string) PathGlobs {
	return PathGlobs{Includes: includes, Policy: Ignore}
}

// WithExcludes returns a copy of g with the exclude set replaced.
func (g PathGlobs) WithExcludes(excludes ...string) PathGlobs {
	g.Excludes = excludes
	return g
}

// WithPolicy returns a copy of g with the no-match policy replaced.
func (g PathGlobs) WithPolicy(policy NoMatchPolicy) PathGlobs {
	g.Policy = policy
	return g
}

// WithOrigin returns a copy of g with the description of origin replaced.
func (g PathGlobs) WithOrigin(origin string) PathGlobs {
	g.Origin = origin
	return g
}

func (g PathGlobs) String() string {
	var parts []string
	parts = append(parts, g.Includes...)
	for _, e := range g.Excludes {
		parts = append(parts, "!"+e)
	}
	return strings.Join(parts, ", ")
}

// NoFilesMatched is the Error-policy failure: a required include matched
// nothing. It names the origin so the user can find the offending
// declaration.
type NoFilesMatched struct {
	Origin string
	Globs  []string
}

func (e *NoFilesMatched) Error() string {
	return fmt.Sprintf("no files matched globs [%s] from %s", strings.Join(e.Globs, ", "), e.Origin)
}

// Matcher is a compiled PathGlobs. Compilation is separated from matching
// so one PathGlobs can be applied to many listings without recompiling.
type Matcher struct {
	globs    PathGlobs
	includes []glob.Glob
	excludes []glob.Glob
}

// Compile compiles every pattern, with '/' as the path separator so '*'
// stays within one directory level and '**' crosses levels.
func (g PathGlobs) Compile() (*Matcher, error) {
	m := &Matcher{globs: g}
	for _, pattern := range g.Includes {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("pathglobs: invalid include pattern %q from %s: %w", pattern, g.Origin, err)
		}
		m.includes = append(m.includes, compiled)
	}
	for _, pattern := range g.Excludes {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("pathglobs: invalid exclude pattern %q from %s: %w", pattern, g.Origin, err)
		}
		m.excludes = append(m.excludes, compiled)
	}
	return m, nil
}

// Match reports whether path is selected: included by at least one include
// pattern and excluded by none.
func (m *Matcher) Match(path string) bool {
	included := false
	for _, include := range m.includes {
		if include.Match(path) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, exclude := range m.excludes {
		if exclude.Match(path) {
			return false
		}
	}
	return true
}

// Filter applies the glob set to paths and returns the selected subset in
// canonical sorted order. The no-match policy is enforced per include
// pattern: with Error, any include that selected zero of the given paths
// fails the call; with Warn it is logged.
func (m *Matcher) Filter(ctx context.Context, paths []string) ([]string, error) {
	matchCounts := make([]int, len(m.includes))
	var selected []string
	for _, path := range paths {
		included := false
		for i, include := range m.includes {
			if include.Match(path) {
				matchCounts[i]++
				included = true
			}
		}
		if !included {
			continue
		}
		excluded := false
		for _, exclude := range m.excludes {
			if exclude.Match(path) {
				excluded = true
				break
			}
		}
		if !excluded {
			selected = append(selected, path)
		}
	}
	slices.Sort(selected)

	if m.globs.Policy != Ignore {
		var unmatched []string
		for i, count := range matchCounts {
			if count == 0 {
				unmatched = append(unmatched, m.globs.Includes[i])
			}
		}
		if len(unmatched) > 0 {
			switch m.globs.Policy {
			case Warn:
				slogcontext.FromCtx(ctx).Warn("globs matched no files",
					slog.String("origin", m.globs.Origin),
					slog.String("globs", strings.Join(unmatched, ", ")))
			case Error:
				return nil, &NoFilesMatched{Origin: m.globs.Origin, Globs: unmatched}
			}
		}
	}
	return selected, nil
}

// Filter is the one-shot form: compile and apply in a single call.
func (g PathGlobs) Filter(ctx context.Context, paths []string) ([]string, error) {
	m, err := g.Compile()
	if err != nil {
		return nil, err
	}
	return m.Filter(ctx, paths)
}
