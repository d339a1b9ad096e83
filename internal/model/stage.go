package model

// CanonicalStages is the immutable 11-stage order every task pipeline is
// scheduled through. Order matters: it is load-bearing for the Progress
// Calculator and for "previousStage"/"lastExecutedStageName" bookkeeping.
var CanonicalStages = []string{
	"ingestion",
	"preProcessing",
	"promptTemplating",
	"inference",
	"parsing",
	"validateStructure",
	"validateQuality",
	"critique",
	"refine",
	"finalValidation",
	"integration",
}

// ValidationStages are excluded from "lastExecutedStageName"/"output"
// bookkeeping: a validation stage's output never becomes the next stage's
// input seed.
var ValidationStages = map[string]bool{
	"validateStructure": true,
	"validateQuality":   true,
	"validateFinal":     true,
	"finalValidation":   true,
}

// FlagValue is the bounded variant a flag's value may take: bool, int64,
// float64, string, or a plain JSON object (map[string]any). Arrays and null
// are not valid flag values per the stage contract.
type FlagValue = any

// Flags is the plain string-to-scalar/object map accumulated across stages.
type Flags map[string]FlagValue

// Clone returns a deep copy for the "deep copy before handler invocation"
// requirement: nested maps and slices are walked recursively via the same
// deepCopyValue helper StageData.Clone uses.
func (f Flags) Clone() Flags {
	out := make(Flags, len(f))
	for k, v := range f {
		out[k] = deepCopyValue(v)
	}
	return out
}

// Merge returns a new Flags with other's keys overlaid on f's.
func (f Flags) Merge(other Flags) Flags {
	out := f.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// StageResult is the {output, flags} shape every stage handler must return.
type StageResult struct {
	Output any   `json:"output"`
	Flags  Flags `json:"flags"`
}

// StageData is the per-stage output map threaded through a task run:
// data[stageName] = that stage's output, plus data["seed"] = the task seed.
type StageData map[string]any

// Clone returns a deep copy: nested maps and slices are walked recursively
// so a handler that mutates a value in place (e.g. appending to a slice
// held in a prior stage's output) cannot leak that mutation back into the
// scheduler's accumulated state. Scalars and any value shape outside the
// plain map/slice/scalar JSON-like set are returned as-is, since there is
// nothing further to walk into.
func (d StageData) Clone() StageData {
	out := make(StageData, len(d))
	for k, v := range d {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, mv := range t {
			cp[k] = deepCopyValue(mv)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, sv := range t {
			cp[i] = deepCopyValue(sv)
		}
		return cp
	default:
		return v
	}
}
