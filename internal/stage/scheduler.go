package stage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fenwick/pipelinerunner/internal/errs"
	"github.com/fenwick/pipelinerunner/internal/fileio"
	"github.com/fenwick/pipelinerunner/internal/logging"
	"github.com/fenwick/pipelinerunner/internal/model"
	"github.com/fenwick/pipelinerunner/internal/modelevents"
	"github.com/fenwick/pipelinerunner/internal/progress"
	"github.com/fenwick/pipelinerunner/internal/statuswriter"
	"github.com/fenwick/pipelinerunner/internal/tracing"
)

var linearBeforeRefinement = []string{"ingestion", "preProcessing", "promptTemplating", "inference", "parsing"}
var refinementLoopStages = []string{"validateStructure", "validateQuality", "critique", "refine", "finalValidation"}
var linearAfterRefinement = []string{"integration"}

// LogEntry is one run-log line: a completed, skipped, or errored stage.
type LogEntry struct {
	Stage   string `json:"stage"`
	OK      bool   `json:"ok"`
	Ms      int64  `json:"ms"`
	Skipped string `json:"skipped,omitempty"`
}

// Outcome is the result of one RunTask call.
type Outcome struct {
	Success            bool
	Output             any
	ExecutionTimeMs    int64
	RefinementAttempts int
	RunLog             []LogEntry
	FailedStage        string
	Error              *model.ErrorEnvelope
}

// Scheduler runs one task's stage pipeline at a time, subject to the
// contract, skip predicates, and bounded refinement loop.
type Scheduler struct {
	writer *statuswriter.Writer
	bus    *modelevents.Bus
	log    *logging.Logger
}

func New(writer *statuswriter.Writer, bus *modelevents.Bus, log *logging.Logger) *Scheduler {
	return &Scheduler{writer: writer, bus: bus, log: log}
}

// defaultStageConfig returns the built-in skip predicates: critique,
// refine, and finalValidation skip unless flags.needsRefinement is true.
func defaultStageConfig() map[string]StageConfig {
	needsRefinement := func(flags model.Flags) bool {
		v, _ := flags["needsRefinement"].(bool)
		return !v
	}
	return map[string]StageConfig{
		"critique":        {SkipIf: needsRefinement},
		"refine":          {SkipIf: needsRefinement},
		"finalValidation": {SkipIf: needsRefinement},
	}
}

func mergeStageConfigs(base, overrides map[string]StageConfig) map[string]StageConfig {
	out := make(map[string]StageConfig, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		existing := out[k]
		if v.SkipIf != nil {
			existing.SkipIf = v.SkipIf
		}
		if v.Requires != nil {
			existing.Requires = v.Requires
		}
		if v.Produces != nil {
			existing.Produces = v.Produces
		}
		out[k] = existing
	}
	return out
}

// RunTaskInput bundles everything the scheduler needs to run one task.
type RunTaskInput struct {
	JobDir         string
	JobID          string
	TaskName       string
	Tasks          []string
	Seed           any
	ModelConfig    any
	Handlers       TaskHandlers
	StageConfigs   map[string]StageConfig
	MaxRefinements int
}

// RunTask executes in.TaskName's full stage pipeline exactly once, plus a
// bounded flag-gated refinement loop over
// {validateStructure,validateQuality,critique,refine,finalValidation},
// writing status and run-log state throughout.
func (s *Scheduler) RunTask(ctx context.Context, in RunTaskInput) Outcome {
	maxRefinements := in.MaxRefinements
	if maxRefinements <= 0 {
		maxRefinements = 1
	}
	stageConfigs := mergeStageConfigs(defaultStageConfig(), in.StageConfigs)

	ctx, endTaskSpan := tracing.StartSpan(ctx, "task.run",
		attribute.String("job.id", in.JobID), attribute.String("task.name", in.TaskName))
	defer endTaskSpan()

	data := model.StageData{"seed": in.Seed}
	flags := model.Flags{}
	lastStageOutput := in.Seed
	lastExecutedStage := ""
	var runLog []LogEntry
	var totalMs int64
	refinementAttempts := 0

	var currentStage string
	io := fileio.New(in.JobDir, in.TaskName, s.writer, s.log, func() string { return currentStage })

	eventKey := in.JobID + "/" + in.TaskName
	ch, cancel := s.bus.Subscribe(eventKey)
	defer cancel()
	errorLog := modelevents.NewErrorLog()
	pumpDone := make(chan struct{})
	go func() {
		modelevents.Pump(ch,
			func(tuple model.TokenUsage) {
				_ = s.writer.UpdateSync(in.JobDir, func(doc *model.Document) (*model.Document, error) {
					tr := doc.EnsureTask(in.TaskName)
					tr.TokenUsage = append(tr.TokenUsage, tuple)
					return doc, nil
				})
			},
			func(m modelevents.Metric, err error) { errorLog.Record(m) },
		)
		close(pumpDone)
	}()

	fail := func(stageName string, envErr *errs.Error, debugFields map[string]any) Outcome {
		envelope := &model.ErrorEnvelope{
			Name:    envErr.Kind(),
			Message: envErr.Error(),
			Stack:   string(debug.Stack()),
			Debug:   debugFields,
		}
		_ = s.writer.UpdateSync(in.JobDir, func(doc *model.Document) (*model.Document, error) {
			doc.State = model.JobFailed
			tr := doc.EnsureTask(in.TaskName)
			tr.State = model.TaskFailed
			tr.FailedStage = &stageName
			tr.Error = envelope
			return doc, nil
		})
		cancel()
		<-pumpDone
		return Outcome{Success: false, FailedStage: stageName, Error: envelope, RunLog: runLog, ExecutionTimeMs: totalMs, RefinementAttempts: refinementAttempts}
	}

	execStage := func(stageName string) (Outcome, bool) {
		handler, hasHandler := in.Handlers[stageName]
		cfg := stageConfigs[stageName]

		if !hasHandler {
			runLog = append(runLog, LogEntry{Stage: stageName, Skipped: "handler absent"})
			return Outcome{}, true
		}
		if cfg.SkipIf != nil && cfg.SkipIf(flags) {
			runLog = append(runLog, LogEntry{Stage: stageName, Skipped: "skipIf predicate returned true"})
			return Outcome{}, true
		}

		currentStage = stageName
		_ = s.writer.UpdateSync(in.JobDir, func(doc *model.Document) (*model.Document, error) {
			if doc.State == "" || doc.State == model.JobPending {
				doc.State = model.JobRunning
			}
			taskName := in.TaskName
			stage := stageName
			doc.Current = &taskName
			doc.CurrentStage = &stage
			tr := doc.EnsureTask(in.TaskName)
			tr.State = model.TaskRunning
			return doc, nil
		})

		_, endSpan := tracing.StartSpan(ctx, "stage.run",
			attribute.String("job.id", in.JobID), attribute.String("task.name", in.TaskName), attribute.String("stage.name", stageName))
		defer endSpan()

		logPath := filepath.Join(in.JobDir, "files", "logs", "stage-"+stageName+".log")
		snapshotPath := filepath.Join(in.JobDir, "files", "logs", "stage-"+stageName+"-context.json")

		preFlags := flags.Clone()
		dataHasSeed := false
		if _, ok := data["seed"]; ok {
			dataHasSeed = true
		}
		seedHasData := false
		if m, ok := in.Seed.(map[string]any); ok && len(m) > 0 {
			seedHasData = true
		}
		flagsKeys := keysOf(preFlags)

		snapshot := snapshotInputShape(data, preFlags, lastStageOutput)
		if snapBytes, err := json.MarshalIndent(snapshot, "", "  "); err == nil {
			_ = io.WriteRawLog(filepath.Base(snapshotPath), snapBytes, fileio.ModeReplace)
		}

		if cfg.Requires != nil {
			if verr := validateRequires(preFlags, cfg.Requires); verr != nil {
				return fail(stageName, verr.(*errs.Error), map[string]any{
					"stage": stageName, "previousStage": lastExecutedStage, "logPath": logPath, "snapshotPath": snapshotPath,
					"dataHasSeed": dataHasSeed, "seedHasData": seedHasData, "flagsKeys": flagsKeys,
				}), false
			}
		}

		sink, release, sinkErr := openStageSink(in.JobDir, stageName)
		if sinkErr != nil {
			return fail(stageName, errs.Wrap(errs.KindStageHandlerError, "open stage log sink", sinkErr), map[string]any{
				"stage": stageName, "previousStage": lastExecutedStage, "logPath": logPath, "snapshotPath": snapshotPath,
				"dataHasSeed": dataHasSeed, "seedHasData": seedHasData, "flagsKeys": flagsKeys,
			}), false
		}
		defer release()

		handlerCtx := &Context{
			Meta: Meta{
				TaskName: in.TaskName, JobID: in.JobID, WorkDir: in.JobDir,
				StatusPath: filepath.Join(in.JobDir, "tasks-status.json"),
				ModelConfig: in.ModelConfig, Tasks: in.Tasks,
			},
			Data: data.Clone(), Flags: preFlags,
			CurrentStage: stageName, PreviousStage: lastExecutedStage, Output: lastStageOutput,
			IO: io, Log: sink,
		}

		start := time.Now()
		raw, handlerErr := handler(handlerCtx)
		elapsed := time.Since(start).Milliseconds()

		debugFields := map[string]any{
			"stage": stageName, "previousStage": lastExecutedStage, "logPath": logPath, "snapshotPath": snapshotPath,
			"dataHasSeed": dataHasSeed, "seedHasData": seedHasData, "flagsKeys": flagsKeys,
		}

		if handlerErr != nil {
			return fail(stageName, errs.Wrap(errs.KindStageHandlerError, "stage handler returned an error", handlerErr), debugFields), false
		}

		result, contractErr := coerceResult(raw)
		if contractErr != nil {
			return fail(stageName, contractErr.(*errs.Error), debugFields), false
		}
		if cfg.Produces != nil {
			if verr := validateProduces(result.Flags, cfg.Produces); verr != nil {
				return fail(stageName, verr.(*errs.Error), debugFields), false
			}
		}
		if conflictErr := detectFlagTypeConflict(flags, result.Flags); conflictErr != nil {
			return fail(stageName, conflictErr.(*errs.Error), debugFields), false
		}

		data[stageName] = result.Output
		flags = flags.Merge(result.Flags)
		if !model.ValidationStages[stageName] {
			lastStageOutput = result.Output
			lastExecutedStage = stageName
		}

		pct := progress.Calculate(in.Tasks, in.TaskName, model.CanonicalStages, stageName)
		_ = s.writer.UpdateSync(in.JobDir, func(doc *model.Document) (*model.Document, error) {
			doc.Progress = pct
			return doc, nil
		})

		totalMs += elapsed
		runLog = append(runLog, LogEntry{Stage: stageName, OK: true, Ms: elapsed})
		return Outcome{}, true
	}

	for _, st := range linearBeforeRefinement {
		if out, ok := execStage(st); !ok {
			return out
		}
	}
	for {
		loopFailed := false
		var failureOutcome Outcome
		for _, st := range refinementLoopStages {
			if out, ok := execStage(st); !ok {
				loopFailed = true
				failureOutcome = out
				break
			}
		}
		if loopFailed {
			return failureOutcome
		}
		needsRefinement, _ := flags["needsRefinement"].(bool)
		if needsRefinement && refinementAttempts < maxRefinements {
			refinementAttempts++
			continue
		}
		break
	}
	for _, st := range linearAfterRefinement {
		if out, ok := execStage(st); !ok {
			return out
		}
	}

	cancel()
	<-pumpDone

	_ = s.writer.UpdateSync(in.JobDir, func(doc *model.Document) (*model.Document, error) {
		doc.State = model.JobDone
		doc.Current = nil
		doc.CurrentStage = nil
		doc.Progress = 100
		tr := doc.EnsureTask(in.TaskName)
		tr.State = model.TaskDone
		return doc, nil
	})

	return Outcome{
		Success: true, Output: lastStageOutput, ExecutionTimeMs: totalMs,
		RefinementAttempts: refinementAttempts, RunLog: runLog,
	}
}

func keysOf(flags model.Flags) []string {
	out := make([]string, 0, len(flags))
	for k := range flags {
		out = append(out, k)
	}
	return out
}

// snapshotInputShape summarizes a stage's input shape (not raw data) for the
// pre-execution context snapshot: keys present in data, whether/what the
// seed looks like, flag keys, and a type/top-level-key summary of output.
func snapshotInputShape(data model.StageData, flags model.Flags, output any) map[string]any {
	dataKeys := make([]string, 0, len(data))
	for k := range data {
		dataKeys = append(dataKeys, k)
	}
	seedSummary := map[string]any{"present": false}
	if seed, ok := data["seed"]; ok {
		seedSummary["present"] = true
		if m, ok := seed.(map[string]any); ok {
			seedSummary["keys"] = keysOfMap(m)
		}
	}
	outputSummary := map[string]any{"type": goTypeName(output)}
	if m, ok := output.(map[string]any); ok {
		outputSummary["keys"] = keysOfMap(m)
	}
	return map[string]any{
		"dataKeys":    dataKeys,
		"seed":        seedSummary,
		"flagKeys":    keysOf(flags),
		"outputShape": outputSummary,
	}
}

func keysOfMap(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func goTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "number"
	}
}
