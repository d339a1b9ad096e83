// Package progress implements the pure percent-complete mapping described
// in SPEC_FULL.md §4.3: a deterministic function of the canonical task list,
// the currently executing task, and the currently executing stage.
package progress

import (
	"math"

	"github.com/fenwick/pipelinerunner/internal/model"
)

// Calculate returns the integer percent complete for a pipeline whose
// ordered task ids are tasks, currently executing task is currentTask, and
// currently executing stage (within stages) is currentStage.
//
// stages defaults to model.CanonicalStages when nil/empty.
func Calculate(tasks []string, currentTask string, stages []string, currentStage string) int {
	if len(tasks) == 0 {
		return 100
	}
	if len(stages) == 0 {
		stages = model.CanonicalStages
	}
	total := len(tasks) * len(stages)
	if total <= 0 {
		total = 1
	}

	taskIdx := indexOf(tasks, currentTask)
	stageIdx := indexOf(stages, currentStage)

	completed := taskIdx*len(stages) + (stageIdx + 1)
	pct := int(math.Round(100 * float64(completed) / float64(total)))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// indexOf returns the index of want in list, or 0 if absent (unknowns
// collapse to the first index per the spec's boundary behavior).
func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return 0
}
