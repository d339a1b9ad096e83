// Package errs defines the error taxonomy shared by the scheduler,
// status writer, file I/O, and batch runner.
package errs

import "fmt"

// Kind is one of the fatal/structured error classes named in the pipeline
// contract. It is intentionally a closed set of string constants rather than
// a chain of sentinel values, so callers can log and branch on it uniformly.
type Kind string

const (
	KindStageContractViolation        Kind = "StageContractViolation"
	KindFlagTypeConflict              Kind = "FlagTypeConflict"
	KindPrerequisiteFlagMissing       Kind = "PrerequisiteFlagMissing"
	KindPrerequisiteFlagTypeMismatch  Kind = "PrerequisiteFlagTypeMismatch"
	KindStageHandlerError             Kind = "StageHandlerError"
	KindInvalidLogName                Kind = "InvalidLogName"
	KindStatusWriteFailed             Kind = "StatusWriteFailed"
	KindTerminalStateReinsert         Kind = "TerminalStateReinsert"
	KindBatchProcessorError           Kind = "BatchProcessorError"
	KindTaskModulePathInvalid         Kind = "TaskModulePathInvalid"
	KindRunnerPidWriteFailed          Kind = "RunnerPidWriteFailed"
)

// Error is the typed error carried through the engine. Kind() lets callers
// classify failures with errors.As instead of string matching; Unwrap()
// preserves the underlying cause for %w-style chains.
type Error struct {
	K   Kind
	Msg string
	Err error
}

func New(k Kind, msg string) *Error {
	return &Error{K: k, Msg: msg}
}

func Wrap(k Kind, msg string, err error) *Error {
	return &Error{K: k, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.K, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.K, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Kind() string {
	if e == nil {
		return ""
	}
	return string(e.K)
}

// Is reports whether err is an *Error of kind k.
func Is(err error, k Kind) bool {
	type kinded interface{ Kind() string }
	v, ok := err.(kinded)
	return ok && v.Kind() == string(k)
}
