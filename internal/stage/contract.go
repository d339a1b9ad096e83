package stage

import (
	"github.com/fenwick/pipelinerunner/internal/errs"
	"github.com/fenwick/pipelinerunner/internal/model"
)

// typeTag classifies v into one of the bounded flag-value variants, or ""
// if v falls outside the allowed set (arrays, null, anything else).
func typeTag(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case int, int64, float64, float32, int32:
		return "number"
	case string:
		return "string"
	case map[string]any:
		return "object"
	default:
		return ""
	}
}

// validateFlagsShape confirms every value in flags is one of the bounded
// variants; arrays and null entries are rejected per the stage contract.
func validateFlagsShape(flags model.Flags) error {
	for k, v := range flags {
		if typeTag(v) == "" {
			return errs.New(errs.KindStageContractViolation, "flag \""+k+"\" has a non-plain value (arrays and null are not valid flag values)")
		}
	}
	return nil
}

// coerceResult normalizes a handler's raw return value into a StageResult,
// replicating the spec's "prototype-of-plain-object" duck-typing check as a
// structural test: the value must be a model.StageResult (the typed,
// idiomatic shape) or a map[string]any with exactly the keys "output" and
// "flags", the latter itself shaped as a plain flags map. Anything else —
// a bare scalar, a slice, nil, a struct missing one of the two keys — is a
// StageContractViolation.
func coerceResult(raw any) (model.StageResult, error) {
	switch v := raw.(type) {
	case model.StageResult:
		if v.Flags == nil {
			v.Flags = model.Flags{}
		}
		if err := validateFlagsShape(v.Flags); err != nil {
			return model.StageResult{}, err
		}
		return v, nil

	case map[string]any:
		if len(v) != 2 {
			return model.StageResult{}, errs.New(errs.KindStageContractViolation, "handler result must have exactly the keys \"output\" and \"flags\"")
		}
		output, hasOutput := v["output"]
		flagsRaw, hasFlags := v["flags"]
		if !hasOutput || !hasFlags {
			return model.StageResult{}, errs.New(errs.KindStageContractViolation, "handler result missing \"output\" or \"flags\" key")
		}
		flagsMap, ok := flagsRaw.(map[string]any)
		if !ok {
			return model.StageResult{}, errs.New(errs.KindStageContractViolation, "handler result \"flags\" must be a plain mapping")
		}
		flags := model.Flags(flagsMap)
		if err := validateFlagsShape(flags); err != nil {
			return model.StageResult{}, err
		}
		return model.StageResult{Output: output, Flags: flags}, nil

	default:
		return model.StageResult{}, errs.New(errs.KindStageContractViolation, "handler returned a non-object result")
	}
}

// validateRequires checks flags against schema before the handler runs.
// A missing schema entry is not checked (absence of a requirement is not a
// violation); a present flag whose type does not match is fatal.
func validateRequires(flags model.Flags, schema FlagSchema) error {
	for name, wantType := range schema {
		v, ok := flags[name]
		if !ok {
			return errs.New(errs.KindPrerequisiteFlagMissing, "prerequisite flag \""+name+"\" is missing")
		}
		if typeTag(v) != wantType {
			return errs.New(errs.KindPrerequisiteFlagTypeMismatch, "prerequisite flag \""+name+"\" expected type "+wantType+", got "+typeTag(v))
		}
	}
	return nil
}

// validateProduces checks a stage's produced flags against its declared
// schema after the handler runs.
func validateProduces(produced model.Flags, schema FlagSchema) error {
	for name, wantType := range schema {
		v, ok := produced[name]
		if !ok {
			continue
		}
		if typeTag(v) != wantType {
			return errs.New(errs.KindPrerequisiteFlagTypeMismatch, "produced flag \""+name+"\" expected type "+wantType+", got "+typeTag(v))
		}
	}
	return nil
}

// detectFlagTypeConflict reports whether merging produced into accumulated
// would change the primitive type of any existing flag.
func detectFlagTypeConflict(accumulated, produced model.Flags) error {
	for k, v := range produced {
		if existing, ok := accumulated[k]; ok {
			if typeTag(existing) != typeTag(v) {
				return errs.New(errs.KindFlagTypeConflict, "flag \""+k+"\" would change type from "+typeTag(existing)+" to "+typeTag(v))
			}
		}
	}
	return nil
}
