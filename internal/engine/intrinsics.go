package engine

// The types in this file are the evaluator's intrinsic demand surface:
// requests the engine serves itself instead of dispatching to a rule.
// They are registered on the rule registry via RegisterIntrinsics so
// demand sites on them validate.

import (
	"forge.dev/engine/internal/process"
	"forge.dev/engine/internal/rule"
	"forge.dev/engine/internal/snapshot"
)

// FilePath demands the content of one workspace file.
type FilePath struct {
	// Path is workspace-relative.
	Path string
	// Origin names the declaration demanding the file, for error
	// messages.
	Origin string
}

// FileContent is the result of a FilePath demand.
type FileContent struct {
	Path    string
	Content []byte
}

// EnvName demands the value of one environment variable the session
// declared it reads.
type EnvName string

// EnvValue is the result of an EnvName demand.
type EnvValue struct {
	Name  string
	Value string
}

// RegisterIntrinsics marks the engine-provided output types on reg so
// rule demand sites on them pass validation. Call it before Validate.
func RegisterIntrinsics(reg *rule.Registry) *rule.Registry {
	return reg.RegisterIntrinsic(
		rule.TypeOf[process.Result](),
		rule.TypeOf[snapshot.Snapshot](),
		rule.TypeOf[FileContent](),
		rule.TypeOf[EnvValue](),
	)
}

// intrinsic output types, matched by demand output at runtime.
var (
	processResultType = rule.TypeOf[process.Result]()
	snapshotType      = rule.TypeOf[snapshot.Snapshot]()
	fileContentType   = rule.TypeOf[FileContent]()
	envValueType      = rule.TypeOf[EnvValue]()
)
