package pipeline

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fenwick/pipelinerunner/internal/errs"
	"github.com/fenwick/pipelinerunner/internal/model"
	"github.com/fenwick/pipelinerunner/internal/stage"
)

// TaskSpec is one entry in the pipeline's ordered task list: the task's own
// name (used for tasks/<taskName>/ and status bookkeeping) and the
// handlerType it resolves against the Registry.
type TaskSpec struct {
	Name        string `yaml:"name"`
	HandlerType string `yaml:"handlerType"`
}

// StageOverride is a YAML-expressible subset of stage.StageConfig: the
// predicate side (SkipIf) is a named key into skipPredicates rather than
// arbitrary code, since the definition is data, not Go.
type StageOverride struct {
	SkipIf   string            `yaml:"skipIf,omitempty"`
	Requires map[string]string `yaml:"requires,omitempty"`
	Produces map[string]string `yaml:"produces,omitempty"`
}

// Definition is the parsed form of pipeline.yaml: an ordered task list plus
// per-canonical-stage overrides applied uniformly across every task.
type Definition struct {
	PipelineID     string                   `yaml:"pipelineId"`
	Tasks          []TaskSpec               `yaml:"tasks"`
	Stages         map[string]StageOverride `yaml:"stages"`
	MaxRefinements int                      `yaml:"maxRefinements"`
}

// Load reads and parses a pipeline definition from path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindTaskModulePathInvalid, "read pipeline definition", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errs.Wrap(errs.KindTaskModulePathInvalid, "parse pipeline definition yaml", err)
	}
	if len(def.Tasks) == 0 {
		return nil, errs.New(errs.KindTaskModulePathInvalid, "pipeline definition declares no tasks")
	}
	for _, t := range def.Tasks {
		if t.Name == "" || t.HandlerType == "" {
			return nil, errs.New(errs.KindTaskModulePathInvalid, "every task requires name and handlerType")
		}
	}
	if def.MaxRefinements <= 0 {
		def.MaxRefinements = 1
	}
	return &def, nil
}

// TaskNames returns the task list in declaration order, the shape the
// Supervisor and Scheduler need for Meta.Tasks / RunTaskInput.Tasks.
func (d *Definition) TaskNames() []string {
	names := make([]string, len(d.Tasks))
	for i, t := range d.Tasks {
		names[i] = t.Name
	}
	return names
}

// HandlerType returns the handlerType declared for taskName.
func (d *Definition) HandlerType(taskName string) (string, bool) {
	for _, t := range d.Tasks {
		if t.Name == taskName {
			return t.HandlerType, true
		}
	}
	return "", false
}

// skipPredicates is the closed set of named predicates a definition's
// skipIf key may reference. Arbitrary code cannot live in YAML, so this is
// the bridge between data and the stage.SkipPredicate functions the
// scheduler actually runs.
var skipPredicates = map[string]stage.SkipPredicate{
	"never": func(model.Flags) bool { return false },
	"always": func(model.Flags) bool { return true },
	"needsRefinement": func(flags model.Flags) bool {
		v, _ := flags["needsRefinement"].(bool)
		return !v
	},
}

func resolveSkipIf(name string) (stage.SkipPredicate, error) {
	if name == "" {
		return nil, nil
	}
	p, ok := skipPredicates[name]
	if !ok {
		return nil, errs.New(errs.KindTaskModulePathInvalid, "unknown skipIf predicate: "+name)
	}
	return p, nil
}

// StageConfigs converts the definition's YAML overrides into the
// stage.StageConfig map the Scheduler merges over its own defaults.
func (d *Definition) StageConfigs() (map[string]stage.StageConfig, error) {
	out := make(map[string]stage.StageConfig, len(d.Stages))
	for name, ov := range d.Stages {
		pred, err := resolveSkipIf(ov.SkipIf)
		if err != nil {
			return nil, err
		}
		out[name] = stage.StageConfig{
			SkipIf:   pred,
			Requires: stage.FlagSchema(ov.Requires),
			Produces: stage.FlagSchema(ov.Produces),
		}
	}
	return out, nil
}
