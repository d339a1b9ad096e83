package stage

import (
	"context"
	"testing"

	"github.com/fenwick/pipelinerunner/internal/logging"
	"github.com/fenwick/pipelinerunner/internal/model"
	"github.com/fenwick/pipelinerunner/internal/modelevents"
	"github.com/fenwick/pipelinerunner/internal/statuswriter"
)

func trivialHandler() HandlerFunc {
	return func(ctx *Context) (any, error) {
		return model.StageResult{Output: map[string]any{"ok": true}, Flags: model.Flags{}}, nil
	}
}

func allStagesTrivial() TaskHandlers {
	h := TaskHandlers{}
	for _, stage := range model.CanonicalStages {
		h[stage] = trivialHandler()
	}
	return h
}

func newScheduler() *Scheduler {
	writer := statuswriter.New(logging.NewNop(), nil)
	bus := modelevents.NewBus()
	return New(writer, bus, logging.NewNop())
}

func TestRunTask_HappyPath(t *testing.T) {
	dir := t.TempDir()
	s := newScheduler()
	out := s.RunTask(context.Background(), RunTaskInput{
		JobDir: dir, JobID: "job-1", TaskName: "a", Tasks: []string{"a", "b"},
		Seed: map[string]any{}, Handlers: allStagesTrivial(),
	})
	if !out.Success {
		t.Fatalf("expected success, got failure: %+v", out.Error)
	}
	doc := statuswriter.Read(dir)
	if doc.State != model.JobDone {
		t.Fatalf("expected job state done, got %s", doc.State)
	}
	if doc.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", doc.Progress)
	}
	if doc.Current != nil || doc.CurrentStage != nil {
		t.Fatalf("expected current/currentStage nil on terminal success")
	}
	tr := doc.Tasks["a"]
	if tr == nil || tr.State != model.TaskDone {
		t.Fatalf("expected task a done, got %+v", tr)
	}
	for _, entry := range out.RunLog {
		if entry.Skipped != "" {
			continue
		}
		if !entry.OK {
			t.Fatalf("expected every executed stage to succeed: %+v", entry)
		}
	}
}

func TestRunTask_ValidationGatedRefinement(t *testing.T) {
	dir := t.TempDir()
	s := newScheduler()

	calls := 0
	handlers := allStagesTrivial()
	handlers["validateStructure"] = func(ctx *Context) (any, error) {
		calls++
		needsRefinement := calls == 1
		return model.StageResult{Output: map[string]any{"ok": true}, Flags: model.Flags{"needsRefinement": needsRefinement}}, nil
	}

	var criticRan, refineRan, finalRan bool
	handlers["critique"] = func(ctx *Context) (any, error) {
		criticRan = true
		return model.StageResult{Output: map[string]any{"ok": true}, Flags: model.Flags{}}, nil
	}
	handlers["refine"] = func(ctx *Context) (any, error) {
		refineRan = true
		return model.StageResult{Output: map[string]any{"ok": true}, Flags: model.Flags{}}, nil
	}
	handlers["finalValidation"] = func(ctx *Context) (any, error) {
		finalRan = true
		return model.StageResult{Output: map[string]any{"ok": true}, Flags: model.Flags{}}, nil
	}

	out := s.RunTask(context.Background(), RunTaskInput{
		JobDir: dir, JobID: "job-2", TaskName: "only", Tasks: []string{"only"},
		Seed: map[string]any{}, Handlers: handlers, MaxRefinements: 1,
	})
	if !out.Success {
		t.Fatalf("expected success, got failure: %+v", out.Error)
	}
	if !criticRan || !refineRan || !finalRan {
		t.Fatalf("expected critique/refine/finalValidation to run at least once: critique=%v refine=%v final=%v", criticRan, refineRan, finalRan)
	}
	if out.RefinementAttempts < 1 {
		t.Fatalf("expected at least one refinement attempt, got %d", out.RefinementAttempts)
	}
	if calls != 2 {
		t.Fatalf("expected validateStructure invoked twice, got %d", calls)
	}
}

func TestRunTask_StageContractViolation(t *testing.T) {
	dir := t.TempDir()
	s := newScheduler()
	handlers := allStagesTrivial()
	handlers["inference"] = func(ctx *Context) (any, error) {
		return "hello", nil
	}

	out := s.RunTask(context.Background(), RunTaskInput{
		JobDir: dir, JobID: "job-3", TaskName: "only", Tasks: []string{"only"},
		Seed: map[string]any{}, Handlers: handlers,
	})
	if out.Success {
		t.Fatalf("expected failure for non-object handler result")
	}
	if out.FailedStage != "inference" {
		t.Fatalf("expected failedStage=inference, got %q", out.FailedStage)
	}
	doc := statuswriter.Read(dir)
	if doc.State != model.JobFailed {
		t.Fatalf("expected job state failed, got %s", doc.State)
	}
	tr := doc.Tasks["only"]
	if tr == nil || tr.State != model.TaskFailed || tr.FailedStage == nil || *tr.FailedStage != "inference" {
		t.Fatalf("expected task failed at inference, got %+v", tr)
	}
}

func TestRunTask_FlagTypeConflictFailsStage(t *testing.T) {
	dir := t.TempDir()
	s := newScheduler()
	handlers := allStagesTrivial()
	handlers["ingestion"] = func(ctx *Context) (any, error) {
		return model.StageResult{Output: map[string]any{}, Flags: model.Flags{"mode": "fast"}}, nil
	}
	handlers["preProcessing"] = func(ctx *Context) (any, error) {
		return model.StageResult{Output: map[string]any{}, Flags: model.Flags{"mode": true}}, nil
	}

	out := s.RunTask(context.Background(), RunTaskInput{
		JobDir: dir, JobID: "job-4", TaskName: "only", Tasks: []string{"only"},
		Seed: map[string]any{}, Handlers: handlers,
	})
	if out.Success {
		t.Fatalf("expected failure on flag type conflict")
	}
	if out.FailedStage != "preProcessing" {
		t.Fatalf("expected failedStage=preProcessing, got %q", out.FailedStage)
	}
}
