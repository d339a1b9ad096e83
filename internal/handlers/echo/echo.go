// Package echo provides the pipeline.Handler registered by default in
// cmd/runner: every canonical stage simply forwards its input as output,
// useful for smoke-testing a pipeline definition end to end before wiring
// real stage logic.
package echo

import (
	"github.com/fenwick/pipelinerunner/internal/model"
	"github.com/fenwick/pipelinerunner/internal/stage"
)

const HandlerType = "echo"

type Handler struct{}

func New() Handler { return Handler{} }

func (Handler) Type() string { return HandlerType }

func (Handler) Stages() stage.TaskHandlers {
	pass := func(ctx *stage.Context) (any, error) {
		return model.StageResult{Output: ctx.Output, Flags: model.Flags{}}, nil
	}
	handlers := stage.TaskHandlers{}
	for _, name := range model.CanonicalStages {
		handlers[name] = pass
	}
	return handlers
}
