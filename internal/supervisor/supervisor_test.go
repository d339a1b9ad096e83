package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fenwick/pipelinerunner/internal/logging"
	"github.com/fenwick/pipelinerunner/internal/model"
	"github.com/fenwick/pipelinerunner/internal/modelevents"
	"github.com/fenwick/pipelinerunner/internal/pipeline"
	"github.com/fenwick/pipelinerunner/internal/stage"
	"github.com/fenwick/pipelinerunner/internal/statuswriter"
)

type trivialHandler struct{ typ string }

func (h trivialHandler) Type() string { return h.typ }

func (h trivialHandler) Stages() stage.TaskHandlers {
	handlers := stage.TaskHandlers{}
	for _, name := range model.CanonicalStages {
		handlers[name] = func(ctx *stage.Context) (any, error) {
			return model.StageResult{Output: map[string]any{"ok": true}, Flags: model.Flags{}}, nil
		}
	}
	return handlers
}

func newTestSupervisor(t *testing.T, currentDir, completeDir string) *Supervisor {
	t.Helper()
	writer := statuswriter.New(logging.NewNop(), nil)
	sched := stage.New(writer, modelevents.NewBus(), logging.NewNop())
	registry := pipeline.NewRegistry()
	if err := registry.Register(trivialHandler{typ: "noop"}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	def := &pipeline.Definition{
		PipelineID: "demo",
		Tasks: []pipeline.TaskSpec{
			{Name: "a", HandlerType: "noop"},
			{Name: "b", HandlerType: "noop"},
		},
		MaxRefinements: 1,
	}
	sv, err := New(writer, sched, registry, def, currentDir, completeDir, filepath.Join(currentDir, "..", "rejected"), logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sv
}

func TestRun_TwoTaskHappyPath(t *testing.T) {
	root := t.TempDir()
	currentDir := filepath.Join(root, "current")
	completeDir := filepath.Join(root, "complete")
	jobID := "job-1"
	if err := os.MkdirAll(filepath.Join(currentDir, jobID), 0o755); err != nil {
		t.Fatalf("mkdir job dir: %v", err)
	}

	sv := newTestSupervisor(t, currentDir, completeDir)
	code := sv.Run(context.Background(), RunInput{JobID: jobID, Seed: map[string]any{}})
	if code != ExitSuccess {
		t.Fatalf("expected exit 0, got %d", code)
	}

	if _, err := os.Stat(filepath.Join(currentDir, jobID)); !os.IsNotExist(err) {
		t.Fatalf("expected job dir removed from current/, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(completeDir, jobID, "runner.pid")); !os.IsNotExist(err) {
		t.Fatalf("expected runner.pid absent in promoted job dir")
	}

	doc := statuswriter.Read(filepath.Join(completeDir, jobID))
	if doc.State != model.JobDone {
		t.Fatalf("expected state=done, got %s", doc.State)
	}
	for _, name := range []string{"a", "b"} {
		tr := doc.Tasks[name]
		if tr == nil || tr.State != model.TaskDone {
			t.Fatalf("expected task %s done, got %+v", name, tr)
		}
	}

	raw, err := os.ReadFile(filepath.Join(completeDir, "runs.jsonl"))
	if err != nil {
		t.Fatalf("read runs.jsonl: %v", err)
	}
	var entry runEntry
	if err := json.Unmarshal(raw[:len(raw)-1], &entry); err != nil {
		t.Fatalf("unmarshal runs.jsonl line: %v", err)
	}
	if entry.Name != jobID || len(entry.Tasks) != 2 {
		t.Fatalf("unexpected runs.jsonl entry: %+v", entry)
	}
}

func TestRun_ResumesSkippingDoneTasks(t *testing.T) {
	root := t.TempDir()
	currentDir := filepath.Join(root, "current")
	completeDir := filepath.Join(root, "complete")
	jobID := "job-2"
	jobDir := filepath.Join(currentDir, jobID)
	if err := os.MkdirAll(filepath.Join(jobDir, "tasks", "a"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "tasks", "a", "output.json"), []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatalf("seed output.json: %v", err)
	}
	writer := statuswriter.New(logging.NewNop(), nil)
	if err := writer.UpdateSync(jobDir, func(doc *model.Document) (*model.Document, error) {
		tr := doc.EnsureTask("a")
		tr.State = model.TaskDone
		return doc, nil
	}); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	sv := newTestSupervisor(t, currentDir, completeDir)
	code := sv.Run(context.Background(), RunInput{JobID: jobID, Seed: map[string]any{}})
	if code != ExitSuccess {
		t.Fatalf("expected exit 0, got %d", code)
	}

	doc := statuswriter.Read(filepath.Join(completeDir, jobID))
	if doc.Tasks["a"].Attempts != 0 {
		t.Fatalf("expected resumed done task a to not be re-attempted, attempts=%d", doc.Tasks["a"].Attempts)
	}
	if doc.Tasks["b"].State != model.TaskDone {
		t.Fatalf("expected task b to run and complete, got %+v", doc.Tasks["b"])
	}
}

func TestRun_TaskFailureLeavesJobInPlace(t *testing.T) {
	root := t.TempDir()
	currentDir := filepath.Join(root, "current")
	completeDir := filepath.Join(root, "complete")
	jobID := "job-3"
	if err := os.MkdirAll(filepath.Join(currentDir, jobID), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	writer := statuswriter.New(logging.NewNop(), nil)
	sched := stage.New(writer, modelevents.NewBus(), logging.NewNop())
	registry := pipeline.NewRegistry()
	_ = registry.Register(failingHandler{})
	def := &pipeline.Definition{
		PipelineID:     "demo",
		Tasks:          []pipeline.TaskSpec{{Name: "a", HandlerType: "failing"}},
		MaxRefinements: 1,
	}
	sv, err := New(writer, sched, registry, def, currentDir, completeDir, filepath.Join(root, "rejected"), logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	code := sv.Run(context.Background(), RunInput{JobID: jobID, Seed: map[string]any{}})
	if code != ExitTaskFailure {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if _, err := os.Stat(filepath.Join(currentDir, jobID)); err != nil {
		t.Fatalf("expected failed job dir to remain in current/: %v", err)
	}
	if _, err := os.Stat(filepath.Join(currentDir, jobID, "runner.pid")); !os.IsNotExist(err) {
		t.Fatalf("expected runner.pid cleaned up even on failure")
	}
}

func TestReject_MovesJobToRejectedDir(t *testing.T) {
	root := t.TempDir()
	currentDir := filepath.Join(root, "current")
	completeDir := filepath.Join(root, "complete")
	rejectedDir := filepath.Join(root, "rejected")
	jobID := "job-4"
	if err := os.MkdirAll(filepath.Join(currentDir, jobID), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	writer := statuswriter.New(logging.NewNop(), nil)
	sched := stage.New(writer, modelevents.NewBus(), logging.NewNop())
	registry := pipeline.NewRegistry()
	def := &pipeline.Definition{PipelineID: "demo", Tasks: []pipeline.TaskSpec{{Name: "a", HandlerType: "noop"}}, MaxRefinements: 1}
	sv, err := New(writer, sched, registry, def, currentDir, completeDir, rejectedDir, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := sv.Reject(jobID, "malformed seed"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := os.Stat(filepath.Join(currentDir, jobID)); !os.IsNotExist(err) {
		t.Fatalf("expected job dir removed from current/")
	}
	doc := statuswriter.Read(filepath.Join(rejectedDir, jobID))
	if doc.State != model.JobRejected {
		t.Fatalf("expected state=rejected, got %s", doc.State)
	}
}

type failingHandler struct{}

func (failingHandler) Type() string { return "failing" }
func (failingHandler) Stages() stage.TaskHandlers {
	return stage.TaskHandlers{
		"ingestion": func(ctx *stage.Context) (any, error) {
			return "not an object", nil
		},
	}
}
