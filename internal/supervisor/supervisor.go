// Package supervisor implements the Pipeline Supervisor: it iterates one
// job's ordered task list, invoking the Stage Scheduler once per task,
// persisting per-task bookkeeping, and promoting the job's working
// directory to the complete dir once every task is done.
package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fenwick/pipelinerunner/internal/atomicfile"
	"github.com/fenwick/pipelinerunner/internal/errs"
	"github.com/fenwick/pipelinerunner/internal/logging"
	"github.com/fenwick/pipelinerunner/internal/model"
	"github.com/fenwick/pipelinerunner/internal/pipeline"
	"github.com/fenwick/pipelinerunner/internal/stage"
	"github.com/fenwick/pipelinerunner/internal/statuswriter"
)

// Exit codes. A supervisor run is a standalone process invocation (one job),
// so these double as the process exit status cmd/runner returns.
const (
	ExitSuccess     = 0
	ExitTaskFailure = 1
	ExitInterrupted = 130 // SIGINT
	ExitTerminated  = 143 // SIGTERM
)

// Supervisor runs a single pipeline definition against one job directory at
// a time. It is safe to reuse across jobs; it holds no per-job state.
type Supervisor struct {
	writer      *statuswriter.Writer
	scheduler   *stage.Scheduler
	registry    *pipeline.Registry
	def         *pipeline.Definition
	stageConfig map[string]stage.StageConfig
	currentDir  string
	completeDir string
	rejectedDir string
	log         *logging.Logger
}

// New validates def's stage overrides up front (so a bad skipIf predicate
// name fails at startup, not mid-run) and returns a ready Supervisor.
func New(writer *statuswriter.Writer, scheduler *stage.Scheduler, registry *pipeline.Registry, def *pipeline.Definition, currentDir, completeDir, rejectedDir string, log *logging.Logger) (*Supervisor, error) {
	cfgs, err := def.StageConfigs()
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		writer:      writer,
		scheduler:   scheduler,
		registry:    registry,
		def:         def,
		stageConfig: cfgs,
		currentDir:  currentDir,
		completeDir: completeDir,
		rejectedDir: rejectedDir,
		log:         log,
	}, nil
}

// Reject moves jobID out of current/ into the rejected lifecycle dir and
// marks its status document state=rejected. It is the admission-time
// counterpart to promote: a job a caller decides is malformed before (or
// instead of) ever being run, rather than one that failed mid-run.
func (sv *Supervisor) Reject(jobID, reason string) error {
	workDir := filepath.Join(sv.currentDir, jobID)
	if err := sv.writer.UpdateSync(workDir, func(doc *model.Document) (*model.Document, error) {
		doc.State = model.JobRejected
		return doc, nil
	}); err != nil {
		return err
	}
	if err := os.MkdirAll(sv.rejectedDir, 0o755); err != nil {
		return err
	}
	if err := os.Rename(workDir, filepath.Join(sv.rejectedDir, jobID)); err != nil {
		return err
	}
	if reason != "" && sv.log != nil {
		sv.log.Info("job rejected", "job_id", jobID, "reason", reason)
	}
	return nil
}

// RunInput identifies the job to run and its seed input.
type RunInput struct {
	JobID       string
	Seed        any
	ModelConfig any
}

// runEntry is one line of <completeDir>/runs.jsonl.
type runEntry struct {
	Name                    string   `json:"name"`
	PipelineID              string   `json:"pipelineId"`
	FinishedAt              string   `json:"finishedAt"`
	Tasks                   []string `json:"tasks"`
	TotalExecutionTime      int64    `json:"totalExecutionTime"`
	TotalRefinementAttempts int      `json:"totalRefinementAttempts"`
	FinalArtifacts          []string `json:"finalArtifacts"`
}

// Run executes every task in the pipeline definition for in.JobID, in
// order, and promotes the job to complete/ on full success. It returns a
// process exit code (ExitSuccess, ExitTaskFailure, ExitInterrupted, or
// ExitTerminated) rather than an error: cmd/runner passes it straight to
// os.Exit.
func (sv *Supervisor) Run(ctx context.Context, in RunInput) int {
	workDir := filepath.Join(sv.currentDir, in.JobID)
	pidPath := filepath.Join(workDir, "runner.pid")

	if err := atomicfile.Write(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		if sv.log != nil {
			sv.log.Error("runner pid write failed", "error", errs.Wrap(errs.KindRunnerPidWriteFailed, "write runner.pid", err))
		}
		return ExitTaskFailure
	}
	removePid := func() { _ = os.Remove(pidPath) }
	defer removePid()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	done := make(chan int, 1)
	go func() { done <- sv.runTasks(runCtx, workDir, in) }()

	select {
	case code := <-done:
		return code
	case sig := <-sigCh:
		cancelRun()
		removePid()
		if sig == syscall.SIGTERM {
			return ExitTerminated
		}
		return ExitInterrupted
	}
}

func (sv *Supervisor) runTasks(ctx context.Context, workDir string, in RunInput) int {
	seed := sv.loadOrPersistSeed(workDir, in.Seed)
	names := sv.def.TaskNames()

	_ = sv.writer.UpdateSync(workDir, func(doc *model.Document) (*model.Document, error) {
		if doc.PipelineID == "" {
			doc.PipelineID = sv.def.PipelineID
		}
		if doc.State == "" {
			doc.State = model.JobPending
		}
		return doc, nil
	})

	for _, name := range names {
		doc := statuswriter.Read(workDir)
		if tr := doc.Tasks[name]; tr != nil && tr.State == model.TaskDone {
			continue
		}

		if code := sv.runOneTask(ctx, workDir, in, names, seed, name); code != ExitSuccess {
			return code
		}
	}

	return sv.promote(workDir, in)
}

func (sv *Supervisor) runOneTask(ctx context.Context, workDir string, in RunInput, taskNames []string, seed any, name string) int {
	handlerType, ok := sv.def.HandlerType(name)
	if !ok {
		sv.failTask(workDir, name, errs.New(errs.KindTaskModulePathInvalid, "no handlerType declared for task "+name))
		return ExitTaskFailure
	}
	handler, ok := sv.registry.Get(handlerType)
	if !ok {
		sv.failTask(workDir, name, errs.New(errs.KindTaskModulePathInvalid, "no handler registered for type "+handlerType))
		return ExitTaskFailure
	}

	startedAt := time.Now().UTC()
	_ = sv.writer.UpdateSync(workDir, func(doc *model.Document) (*model.Document, error) {
		tr := doc.EnsureTask(name)
		tr.State = model.TaskRunning
		tr.StartedAt = &startedAt
		tr.Attempts++
		return doc, nil
	})

	taskDir := filepath.Join(workDir, "tasks", name)
	letter, _ := json.MarshalIndent(map[string]any{"task": name, "at": startedAt.Format(time.RFC3339Nano)}, "", "  ")
	if err := atomicfile.Write(filepath.Join(taskDir, "letter.json"), letter, 0o644); err != nil {
		sv.failTask(workDir, name, errs.Wrap(errs.KindStatusWriteFailed, "write letter.json", err))
		return ExitTaskFailure
	}

	out := sv.scheduler.RunTask(ctx, stage.RunTaskInput{
		JobDir:         workDir,
		JobID:          in.JobID,
		TaskName:       name,
		Tasks:          taskNames,
		Seed:           seed,
		ModelConfig:    in.ModelConfig,
		Handlers:       handler.Stages(),
		StageConfigs:   sv.stageConfig,
		MaxRefinements: sv.def.MaxRefinements,
	})
	if !out.Success {
		// The Scheduler has already written the failed task/job state.
		return ExitTaskFailure
	}

	outputBytes, _ := json.MarshalIndent(out.Output, "", "  ")
	_ = atomicfile.Write(filepath.Join(taskDir, "output.json"), outputBytes, 0o644)
	logBytes, _ := json.MarshalIndent(out.RunLog, "", "  ")
	_ = atomicfile.Write(filepath.Join(taskDir, "execution-logs.json"), logBytes, 0o644)

	endedAt := time.Now().UTC()
	_ = sv.writer.UpdateSync(workDir, func(doc *model.Document) (*model.Document, error) {
		tr := doc.EnsureTask(name)
		tr.State = model.TaskDone
		tr.EndedAt = &endedAt
		tr.ExecutionTime = out.ExecutionTimeMs
		tr.RefinementAttempts = out.RefinementAttempts
		if tr.Files != nil {
			tr.Artifacts = append([]string{}, tr.Files[model.FileArtifacts]...)
		}
		return doc, nil
	})
	return ExitSuccess
}

func (sv *Supervisor) failTask(workDir, name string, err *errs.Error) {
	if sv.log != nil {
		sv.log.Error("task failed before scheduler invocation", "task", name, "error", err)
	}
	_ = sv.writer.UpdateSync(workDir, func(doc *model.Document) (*model.Document, error) {
		doc.State = model.JobFailed
		tr := doc.EnsureTask(name)
		tr.State = model.TaskFailed
		stageName := "none"
		tr.FailedStage = &stageName
		tr.Error = &model.ErrorEnvelope{Name: err.Kind(), Message: err.Error()}
		return doc, nil
	})
}

// loadOrPersistSeed reads <workDir>/seed.json if present (a resumed run
// after a crash or restart), otherwise persists seed as the immutable
// input for every future resume of this job.
func (sv *Supervisor) loadOrPersistSeed(workDir string, seed any) any {
	seedPath := filepath.Join(workDir, "seed.json")
	if raw, err := os.ReadFile(seedPath); err == nil {
		var loaded any
		if json.Unmarshal(raw, &loaded) == nil {
			return loaded
		}
	}
	if data, err := json.MarshalIndent(seed, "", "  "); err == nil {
		_ = atomicfile.Write(seedPath, data, 0o644)
	}
	return seed
}

// promote renames workDir into the complete dir and appends a summary line
// to runs.jsonl, once every task in the definition is done.
func (sv *Supervisor) promote(workDir string, in RunInput) int {
	finalDoc := statuswriter.Read(workDir)

	var totalExec int64
	var totalRef int
	for _, tr := range finalDoc.Tasks {
		totalExec += tr.ExecutionTime
		totalRef += tr.RefinementAttempts
	}

	if err := os.MkdirAll(sv.completeDir, 0o755); err != nil {
		if sv.log != nil {
			sv.log.Error("mkdir complete dir failed", "error", err)
		}
		return ExitTaskFailure
	}
	dest := filepath.Join(sv.completeDir, in.JobID)
	_ = os.Remove(filepath.Join(workDir, "runner.pid"))
	if err := os.Rename(workDir, dest); err != nil {
		if sv.log != nil {
			sv.log.Error("promote job to complete dir failed", "error", err)
		}
		return ExitTaskFailure
	}

	entry := runEntry{
		Name:                    in.JobID,
		PipelineID:              sv.def.PipelineID,
		FinishedAt:              time.Now().UTC().Format(time.RFC3339Nano),
		Tasks:                   sv.def.TaskNames(),
		TotalExecutionTime:      totalExec,
		TotalRefinementAttempts: totalRef,
		FinalArtifacts:          finalDoc.Files[model.FileArtifacts],
	}
	line, err := json.Marshal(entry)
	if err == nil {
		line = append(line, '\n')
		if err := atomicfile.Append(filepath.Join(sv.completeDir, "runs.jsonl"), line, 0o644); err != nil && sv.log != nil {
			sv.log.Warn("runs.jsonl append failed", "error", err)
		}
	}

	return ExitSuccess
}
