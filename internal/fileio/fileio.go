// Package fileio implements the task-scoped, typed file I/O surface: writes
// under a job's files/{artifacts,logs,tmp} trees, coupled to the Status
// Writer so every successful write is reflected into both the job-level and
// task-level file inventories with insertion-order-preserving dedup.
package fileio

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fenwick/pipelinerunner/internal/atomicfile"
	"github.com/fenwick/pipelinerunner/internal/batch"
	"github.com/fenwick/pipelinerunner/internal/errs"
	"github.com/fenwick/pipelinerunner/internal/logging"
	"github.com/fenwick/pipelinerunner/internal/model"
	"github.com/fenwick/pipelinerunner/internal/statuswriter"
)

// Mode selects write semantics for a single call.
type Mode string

const (
	ModeReplace Mode = "replace"
	ModeAppend  Mode = "append"
)

// IO is bound to a single job directory and (optionally) a single task
// within it; it is the handle a stage handler receives as context.io.
type IO struct {
	jobDir   string
	taskName string

	writer *statuswriter.Writer
	log    *logging.Logger

	// currentStageFn is wired by the Stage Scheduler so currentStage()
	// reflects whichever stage is executing right now.
	currentStageFn func() string
}

// New returns an IO bound to jobDir and taskName. currentStageFn may be nil,
// in which case currentStage() always returns "".
func New(jobDir, taskName string, writer *statuswriter.Writer, log *logging.Logger, currentStageFn func() string) *IO {
	return &IO{
		jobDir:         jobDir,
		taskName:       taskName,
		writer:         writer,
		log:            log,
		currentStageFn: currentStageFn,
	}
}

// currentStage reflects the scheduler's current stage for this task run.
func (io *IO) currentStage() string {
	if io.currentStageFn == nil {
		return ""
	}
	return io.currentStageFn()
}

func (io *IO) artifactsDir() string { return filepath.Join(io.jobDir, "files", string(model.FileArtifacts)) }
func (io *IO) logsDir() string      { return filepath.Join(io.jobDir, "files", string(model.FileLogs)) }
func (io *IO) tmpDir() string       { return filepath.Join(io.jobDir, "files", string(model.FileTmp)) }

// writeBytes places data under dir/name according to mode and returns the
// path written, without touching the status document.
func writeBytes(dir, name string, data []byte, mode Mode) (string, error) {
	path := filepath.Join(dir, name)
	if mode == ModeAppend {
		if err := atomicfile.Append(path, data, 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// recordInventory updates both the job-level and per-task file inventory
// for kind/name through the Status Writer. Per spec, a write that succeeded
// on disk but failed to record here is an accepted tradeoff: the error is
// returned to the caller but the bytes are already durable.
func (io *IO) recordInventory(kind model.FileKind, name string) error {
	return io.writer.UpdateSync(io.jobDir, func(doc *model.Document) (*model.Document, error) {
		if doc.Files == nil {
			doc.Files = model.NewFileInventory()
		}
		doc.Files.Add(kind, name)
		if io.taskName != "" {
			tr := doc.EnsureTask(io.taskName)
			tr.Files.Add(kind, name)
		}
		return doc, nil
	})
}

// WriteArtifact writes name under <jobDir>/files/artifacts/, default
// replace mode, and records it in the artifacts inventory.
func (io *IO) WriteArtifact(name string, data []byte, mode Mode) error {
	if mode == "" {
		mode = ModeReplace
	}
	if _, err := writeBytes(io.artifactsDir(), name, data, mode); err != nil {
		return err
	}
	return io.recordInventory(model.FileArtifacts, name)
}

// WriteLog writes name under <jobDir>/files/logs/, default replace mode.
// name must conform to the canonical "<taskName>-<stage>-<event>.<ext>"
// grammar or the write fails with InvalidLogName before anything touches
// disk.
func (io *IO) WriteLog(name string, data []byte, mode Mode) error {
	if !isValidLogName(name) {
		return errs.New(errs.KindInvalidLogName, "log name does not match <taskName>-<stage>-<event>.<ext>: "+name)
	}
	if mode == "" {
		mode = ModeReplace
	}
	if _, err := writeBytes(io.logsDir(), name, data, mode); err != nil {
		return err
	}
	return io.recordInventory(model.FileLogs, name)
}

// WriteRawLog writes name under <jobDir>/files/logs/ without the canonical
// grammar check, for the scheduler's own infrastructure files (the
// stage-<stage>-context.json snapshot) that live alongside handler-authored
// logs but are not themselves handler-authored.
func (io *IO) WriteRawLog(name string, data []byte, mode Mode) error {
	if mode == "" {
		mode = ModeReplace
	}
	if _, err := writeBytes(io.logsDir(), name, data, mode); err != nil {
		return err
	}
	return io.recordInventory(model.FileLogs, name)
}

// WriteLogSync is identical to WriteLog; it exists as the non-suspending
// name in the task I/O surface, even though this implementation's
// inventory update is already
// synchronous (UpdateSync blocks on the same per-job queue either way).
func (io *IO) WriteLogSync(name string, data []byte, mode Mode) error {
	return io.WriteLog(name, data, mode)
}

// WriteTmp writes name under <jobDir>/files/tmp/, default replace mode.
func (io *IO) WriteTmp(name string, data []byte, mode Mode) error {
	if mode == "" {
		mode = ModeReplace
	}
	if _, err := writeBytes(io.tmpDir(), name, data, mode); err != nil {
		return err
	}
	return io.recordInventory(model.FileTmp, name)
}

func readFile(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (io *IO) ReadArtifact(name string) (string, error) { return readFile(io.artifactsDir(), name) }
func (io *IO) ReadLog(name string) (string, error)      { return readFile(io.logsDir(), name) }
func (io *IO) ReadTmp(name string) (string, error)      { return readFile(io.tmpDir(), name) }

// DatabaseOptions configures OpenDatabase.
type DatabaseOptions struct {
	BusyTimeoutMS int // default 5000
}

// OpenDatabase opens the job-local durable store at
// <jobDir>/files/artifacts/run.db, configures WAL journaling, records the
// file in the artifact inventory, and returns the handle. Callers (the
// Batch Runner via RunBatch) are responsible for closing it.
func (io *IO) OpenDatabase(opts DatabaseOptions) (*gorm.DB, error) {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	if err := os.MkdirAll(io.artifactsDir(), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStatusWriteFailed, "mkdir artifacts dir", err)
	}
	dbPath := filepath.Join(io.artifactsDir(), "run.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=" + strconv.Itoa(opts.BusyTimeoutMS)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, errs.Wrap(errs.KindBatchProcessorError, "open job-local store", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, errs.Wrap(errs.KindBatchProcessorError, "set WAL journal mode", err)
	}
	if err := io.recordInventory(model.FileArtifacts, "run.db"); err != nil && io.log != nil {
		io.log.Warn("failed to record run.db in artifact inventory", "error", err)
	}
	return db, nil
}

// RunBatchOptions bundles the Batch Runner inputs a stage handler supplies
// through context.io.runBatch.
type RunBatchOptions struct {
	BatchID     string
	Jobs        []batch.Job
	Concurrency int
	MaxRetries  int
	Process     batch.ProcessFunc
}

// RunBatch opens the job-local store and delegates to the Batch Runner,
// closing the store before returning.
func (io *IO) RunBatch(ctx context.Context, opts RunBatchOptions) (batch.Outcome, error) {
	db, err := io.OpenDatabase(DatabaseOptions{})
	if err != nil {
		return batch.Outcome{}, err
	}
	sqlDB, sqlErr := db.DB()
	defer func() {
		if sqlErr == nil && sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	return batch.Execute(ctx, db, opts.BatchID, opts.Jobs, batch.Options{
		Concurrency: opts.Concurrency,
		MaxRetries:  opts.MaxRetries,
	}, opts.Process)
}

