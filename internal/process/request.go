// Package process runs external commands hermetically: inputs are
// materialized from the content-addressed store into a fresh sandbox,
// declared outputs are captured back into it, and the whole invocation is
// cached under the digest of its fully specified request.
package process

import (
	"encoding/binary"
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"forge.dev/engine/internal/digest"
)

// EncodingVersion tags the canonical Request encoding. Any change to the
// wire format below bumps it, which invalidates every previously recorded
// action digest.
const EncodingVersion = 1

// CacheScope declares how long a process result may be reused.
type CacheScope uint8

const (
	// CacheAlways caches across engine restarts; the default for pure
	// tools.
	CacheAlways CacheScope = iota
	// CachePerRestart keeps results for the engine process lifetime.
	CachePerRestart
	// CachePerSession keeps results within one user invocation.
	CachePerSession
	// CacheNever always executes, e.g. for interactive runs.
	CacheNever
)

func (s CacheScope) String() string {
	switch s {
	case CacheAlways:
		return "always"
	case CachePerRestart:
		return "per-restart"
	case CachePerSession:
		return "per-session"
	case CacheNever:
		return "never"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ExecutionEnvironment selects where a process runs.
type ExecutionEnvironment uint8

const (
	// EnvironmentLocal runs in a sandbox directory on this machine.
	EnvironmentLocal ExecutionEnvironment = iota
	// EnvironmentRemote dispatches to a remote executor.
	EnvironmentRemote
	// EnvironmentContainerized runs inside a container image.
	EnvironmentContainerized
)

func (e ExecutionEnvironment) String() string {
	switch e {
	case EnvironmentLocal:
		return "local"
	case EnvironmentRemote:
		return "remote"
	case EnvironmentContainerized:
		return "containerized"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ErrOverlappingOutputs rejects requests in which one declared output
// path is a path-prefix of another; capture semantics would be ambiguous.
type ErrOverlappingOutputs struct {
	Outer, Inner string
}

func (e *ErrOverlappingOutputs) Error() string {
	return fmt.Sprintf("process: declared output %q overlaps declared output %q", e.Inner, e.Outer)
}

// Request fully specifies one hermetic process invocation. Every field
// below, except the two marked otherwise, is part of the action digest;
// anything that can affect the process's output must be here.
type Request struct {
	// Argv is the command line; Argv[0] is the executable.
	Argv []string
	// Env is the complete environment the process sees. Nothing is
	// inherited.
	Env map[string]string
	// InputDigest names the stored directory tree materialized into the
	// sandbox before the process starts. Zero means an empty tree.
	InputDigest digest.Digest
	// OutputFiles and OutputDirectories declare, relative to the sandbox
	// root, what is captured after exit. Everything else is discarded.
	OutputFiles       []string
	OutputDirectories []string
	// WorkingDirectory is relative to the sandbox root.
	WorkingDirectory string
	// Timeout bounds wall-clock runtime; zero means unbounded.
	Timeout time.Duration
	CacheScope
	ExecutionEnvironment

	// Description names the invocation in logs and progress output. Not
	// part of the action digest.
	Description string
	// SuccessExitCodes are the exit codes cached and surfaced as a
	// regular Result rather than a failure. Empty means {0}. Not part of
	// the action digest.
	SuccessExitCodes []int
}

// NewRequest validates and canonicalizes a Request: output lists are
// sorted, overlap-checked, and paths are required to be clean and
// relative.
func NewRequest(argv []string, opts ...RequestOption) (Request, error) {
	req := Request{Argv: argv}
	for _, opt := range opts {
		opt(&req)
	}
	if len(req.Argv) == 0 {
		return Request{}, fmt.Errorf("process: empty argv")
	}
	req.OutputFiles = slices.Clone(req.OutputFiles)
	req.OutputDirectories = slices.Clone(req.OutputDirectories)
	sort.Strings(req.OutputFiles)
	sort.Strings(req.OutputDirectories)

	all := make([]string, 0, len(req.OutputFiles)+len(req.OutputDirectories))
	for _, p := range req.OutputFiles {
		if err := validateOutputPath(p); err != nil {
			return Request{}, err
		}
		all = append(all, p)
	}
	for _, p := range req.OutputDirectories {
		if err := validateOutputPath(p); err != nil {
			return Request{}, err
		}
		all = append(all, p)
	}
	sort.Strings(all)
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] || strings.HasPrefix(all[i], all[i-1]+"/") {
			return Request{}, &ErrOverlappingOutputs{Outer: all[i-1], Inner: all[i]}
		}
	}

	if req.WorkingDirectory != "" {
		if err := validateOutputPath(req.WorkingDirectory); err != nil {
			return Request{}, fmt.Errorf("process: invalid working directory: %w", err)
		}
	}
	return req, nil
}

func validateOutputPath(p string) error {
	if p == "" {
		return fmt.Errorf("process: empty output path")
	}
	if path.Clean(p) != p || strings.HasPrefix(p, "/") || p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("process: output path %q must be clean, relative and inside the sandbox", p)
	}
	return nil
}

// RequestOption configures a Request under construction.
type RequestOption func(*Request)

// WithEnv sets the complete process environment.
func WithEnv(env map[string]string) RequestOption {
	return func(r *Request) { r.Env = env }
}

// WithInput names the input tree to materialize.
func WithInput(d digest.Digest) RequestOption {
	return func(r *Request) { r.InputDigest = d }
}

// WithOutputFiles declares the files captured after exit.
func WithOutputFiles(paths ...string) RequestOption {
	return func(r *Request) { r.OutputFiles = paths }
}

// WithOutputDirectories declares the directories captured after exit.
func WithOutputDirectories(paths ...string) RequestOption {
	return func(r *Request) { r.OutputDirectories = paths }
}

// WithWorkingDirectory sets the sandbox-relative working directory.
func WithWorkingDirectory(dir string) RequestOption {
	return func(r *Request) { r.WorkingDirectory = dir }
}

// WithTimeout bounds the process's wall-clock runtime.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.Timeout = d }
}

// WithCacheScope sets how long the result may be reused.
func WithCacheScope(scope CacheScope) RequestOption {
	return func(r *Request) { r.CacheScope = scope }
}

// WithExecutionEnvironment selects where the process runs.
func WithExecutionEnvironment(env ExecutionEnvironment) RequestOption {
	return func(r *Request) { r.ExecutionEnvironment = env }
}

// WithDescription names the invocation for logs and progress output.
func WithDescription(desc string) RequestOption {
	return func(r *Request) { r.Description = desc }
}

// WithSuccessExitCodes widens the set of exit codes treated as success.
func WithSuccessExitCodes(codes ...int) RequestOption {
	return func(r *Request) { r.SuccessExitCodes = codes }
}

// Succeeded reports whether code is in the request's success set.
func (r Request) Succeeded(code int) bool {
	if len(r.SuccessExitCodes) == 0 {
		return code == 0
	}
	return slices.Contains(r.SuccessExitCodes, code)
}

// Encode produces the canonical, deterministic encoding of the request:
// every hashed field length-prefixed, env entries and output lists
// sorted. Two Requests with byte-identical encodings share one action
// digest and therefore one cache entry.
func (r Request) Encode() []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, EncodingVersion)

	buf = appendStrings(buf, r.Argv)

	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, r.Env[k])
	}

	buf = appendString(buf, r.InputDigest.Fingerprint.String())
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.InputDigest.SizeBytes))

	files := slices.Clone(r.OutputFiles)
	sort.Strings(files)
	buf = appendStrings(buf, files)

	dirs := slices.Clone(r.OutputDirectories)
	sort.Strings(dirs)
	buf = appendStrings(buf, dirs)

	buf = appendString(buf, r.WorkingDirectory)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timeout.Milliseconds()))
	buf = append(buf, byte(r.CacheScope), byte(r.ExecutionEnvironment))
	return buf
}

// ActionDigest is the cache key of the request: the digest of its
// canonical encoding.
func (r Request) ActionDigest() digest.Digest {
	return digest.FromBytes(r.Encode())
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendStrings(buf []byte, values []string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(values)))
	for _, v := range values {
		buf = appendString(buf, v)
	}
	return buf
}
