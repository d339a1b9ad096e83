// Package stage implements the Stage Scheduler: running one task's pipeline
// of canonical stages exactly once (plus bounded flag-gated refinement),
// enforcing the {output, flags} handler contract, and producing structured
// status updates, run logs, and per-stage captured console output.
package stage

import (
	"github.com/fenwick/pipelinerunner/internal/fileio"
	"github.com/fenwick/pipelinerunner/internal/model"
)

// Meta is the immutable identifying information every stage handler sees,
// regardless of which stage is currently executing.
type Meta struct {
	TaskName    string
	JobID       string
	WorkDir     string
	StatusPath  string
	ModelConfig any
	Tasks       []string
}

// Context is the per-stage input snapshot passed to a handler. Data and
// Flags are deep copies: handler mutations never leak into the scheduler's
// accumulated state, only the returned result does.
type Context struct {
	Meta          Meta
	Data          model.StageData
	Flags         model.Flags
	CurrentStage  string
	PreviousStage string
	Output        any

	IO         *fileio.IO
	Log        *StageLogger
	LLM        any // out of scope; opaque handle for user code
	Validators any // out of scope; opaque handle for user code
}

// HandlerFunc is the signature a task's per-stage implementation satisfies.
// The return value is intentionally untyped: the scheduler validates its
// shape against the {output, flags} contract itself (see contract.go),
// which is how a handler that returns something other than the documented
// envelope is caught as a StageContractViolation rather than a compile
// error masking the violation the spec requires to be observable at
// runtime.
type HandlerFunc func(ctx *Context) (any, error)

// TaskHandlers maps a canonical stage name to that task's implementation of
// it. A stage absent from the map is skipped.
type TaskHandlers map[string]HandlerFunc

// SkipPredicate decides whether a stage should be skipped given the
// currently accumulated flags, independent of handler presence.
type SkipPredicate func(flags model.Flags) bool

// FlagSchema is a prerequisite/produced flag type schema: flag name to one
// of "bool", "number", "string", "object".
type FlagSchema map[string]string

// StageConfig is the per-stage override a Pipeline Definition may supply.
type StageConfig struct {
	SkipIf   SkipPredicate
	Requires FlagSchema
	Produces FlagSchema
}
