package process

import (
	"fmt"
	"time"

	"forge.dev/engine/internal/digest"
)

// Result records one completed process invocation. It is a value type,
// cached by the action digest of the Request that produced it.
type Result struct {
	ExitCode     int
	StdoutDigest digest.Digest
	StderrDigest digest.Digest
	// OutputDigest is the root of the captured output Snapshot.
	OutputDigest digest.Digest
	// Platform names the OS/architecture the process ran on.
	Platform string
	// Metadata carries non-hashed bookkeeping such as the wall-clock
	// duration and whether the result came from a cache.
	Metadata map[string]string
}

// StderrLimit bounds how much captured stderr a ProcessFailed error
// carries verbatim; anything above it is truncated for display, the full
// content stays addressable by digest.
const StderrLimit = 64 * 1024

// ProcessFailed reports a non-zero exit outside the request's success
// set. Stdout and stderr stay addressable in the store by digest; Stderr
// carries all captured bytes, and Error truncates its rendering of them
// at StderrLimit.
type ProcessFailed struct {
	Description  string
	ExitCode     int
	Stderr       []byte
	StdoutDigest digest.Digest
	StderrDigest digest.Digest
}

func (e *ProcessFailed) Error() string {
	msg := fmt.Sprintf("process %q failed with exit code %d", e.Description, e.ExitCode)
	if len(e.Stderr) == 0 {
		return msg
	}
	stderr := e.Stderr
	truncated := ""
	if len(stderr) > StderrLimit {
		stderr = stderr[:StderrLimit]
		truncated = fmt.Sprintf("\n... (%d bytes truncated)", len(e.Stderr)-StderrLimit)
	}
	return fmt.Sprintf("%s\nstderr:\n%s%s", msg, stderr, truncated)
}

// ProcessTimeout reports the request's wall-clock timeout elapsing before
// exit. The process group was terminated.
type ProcessTimeout struct {
	Description string
	Timeout     time.Duration
}

func (e *ProcessTimeout) Error() string {
	return fmt.Sprintf("process %q timed out after %s", e.Description, e.Timeout)
}
