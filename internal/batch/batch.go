// Package batch implements the bounded-concurrency sub-runner backed by a
// job-local durable store (gorm.io/gorm over SQLite), with insert-or-ignore
// semantics, crash recovery of stale "processing" rows, and retry bounded by
// maxRetries.
package batch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/fenwick/pipelinerunner/internal/errs"
)

const (
	statusPending           = "pending"
	statusProcessing        = "processing"
	statusComplete          = "complete"
	statusFailed            = "failed"
	statusPermanentlyFailed = "permanently_failed"
)

// Job is one unit of batch work, identified by an id stable across retries
// and across repeated Execute calls with the same batchId.
type Job struct {
	ID    string
	Input string
}

// ProcessFunc is the caller-supplied per-row processor; its error, if any,
// is captured per row and drives retry rather than failing the batch.
type ProcessFunc func(ctx context.Context, job Job) (output string, err error)

// Options configures one Execute call. Zero Concurrency is treated as
// "unset" and defaults to 10; MaxRetries has no ambiguous zero value (0
// legitimately means "no retries, fail permanently on first error") so
// negative is the only sentinel that defaults it, to 3. Callers wanting the
// documented default should set it explicitly rather than relying on a Go
// zero value.
type Options struct {
	Concurrency int
	MaxRetries  int
}

// Outcome is the result of one Execute call: the ids that reached "complete"
// and the ids that exhausted their retry budget.
type Outcome struct {
	Completed []string
	Failed    []string
}

// batchJobRow mirrors the durable-store schema exactly.
type batchJobRow struct {
	ID          string     `gorm:"column:id;primaryKey"`
	BatchID     string     `gorm:"column:batch_id"`
	Status      string     `gorm:"column:status"`
	Input       string     `gorm:"column:input"`
	Output      *string    `gorm:"column:output"`
	Error       *string    `gorm:"column:error"`
	RetryCount  int        `gorm:"column:retry_count"`
	StartedAt   *time.Time `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

func (batchJobRow) TableName() string { return "batch_jobs" }

func ensureSchema(db *gorm.DB) error {
	if err := db.Exec(`CREATE TABLE IF NOT EXISTS batch_jobs (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		input TEXT NOT NULL,
		output TEXT,
		error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		completed_at TEXT
	);`).Error; err != nil {
		return err
	}
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_jobs_batch_status ON batch_jobs(batch_id, status);`).Error
}

// Execute runs jobs against process with bounded concurrency, recovering any
// row left in "processing" by a prior crashed run, and skipping rows already
// "complete" from a prior Execute call with the same batchID.
func Execute(ctx context.Context, db *gorm.DB, batchID string, jobs []Job, opts Options, process ProcessFunc) (Outcome, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 10
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 3
	}

	if err := ensureSchema(db); err != nil {
		return Outcome{}, errs.Wrap(errs.KindBatchProcessorError, "ensure batch schema", err)
	}

	// Crash recovery: any row left in "processing" for this batch is reset
	// to "pending" before any new worker is dispatched.
	if err := db.Model(&batchJobRow{}).
		Where("batch_id = ? AND status = ?", batchID, statusProcessing).
		Update("status", statusPending).Error; err != nil {
		return Outcome{}, errs.Wrap(errs.KindBatchProcessorError, "reset stale processing rows", err)
	}

	for _, job := range jobs {
		var existing batchJobRow
		err := db.Where("id = ?", job.ID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := batchJobRow{ID: job.ID, BatchID: batchID, Status: statusPending, Input: job.Input, RetryCount: 0}
			if err := db.Create(&row).Error; err != nil {
				return Outcome{}, errs.Wrap(errs.KindBatchProcessorError, "insert batch row", err)
			}
		case err != nil:
			return Outcome{}, errs.Wrap(errs.KindBatchProcessorError, "load batch row", err)
		case existing.Status == statusComplete || existing.Status == statusPermanentlyFailed:
			return Outcome{}, errs.New(errs.KindTerminalStateReinsert,
				"batch job "+job.ID+" already in terminal state "+existing.Status)
		default:
			// pending or processing (just reset above): leave as-is, insert-or-ignore.
		}
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}

	// Re-select and re-dispatch until no row eligible for processing
	// remains: a row a worker retries (status reset to "failed" below)
	// must be picked up again by this same Execute call, not left for a
	// caller to notice and invoke Execute a second time.
	for {
		var eligible []batchJobRow
		if err := db.Where("id IN ? AND batch_id = ? AND status IN ?", ids, batchID, []string{statusPending, statusFailed}).
			Find(&eligible).Error; err != nil {
			return Outcome{}, errs.Wrap(errs.KindBatchProcessorError, "load eligible rows", err)
		}
		if len(eligible) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for _, row := range eligible {
			row := row
			g.Go(func() error {
				processRow(gctx, db, row, opts.MaxRetries, process)
				return nil
			})
		}
		_ = g.Wait() // per-row errors are captured in the store, never propagated here
	}

	var final []batchJobRow
	if err := db.Where("id IN ? AND batch_id = ?", ids, batchID).Find(&final).Error; err != nil {
		return Outcome{}, errs.Wrap(errs.KindBatchProcessorError, "load final rows", err)
	}
	out := Outcome{Completed: []string{}, Failed: []string{}}
	for _, row := range final {
		switch row.Status {
		case statusComplete:
			out.Completed = append(out.Completed, row.ID)
		case statusPermanentlyFailed:
			out.Failed = append(out.Failed, row.ID)
		}
	}
	return out, nil
}

func processRow(ctx context.Context, db *gorm.DB, row batchJobRow, maxRetries int, process ProcessFunc) {
	now := time.Now()
	if err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&batchJobRow{}).Where("id = ?", row.ID).
			Updates(map[string]any{"status": statusProcessing, "started_at": now}).Error
	}); err != nil {
		return
	}

	output, procErr := process(ctx, Job{ID: row.ID, Input: row.Input})

	completedAt := time.Now()
	if procErr == nil {
		_ = db.Transaction(func(tx *gorm.DB) error {
			return tx.Model(&batchJobRow{}).Where("id = ?", row.ID).
				Updates(map[string]any{"status": statusComplete, "output": output, "completed_at": completedAt}).Error
		})
		return
	}

	nextRetry := row.RetryCount + 1
	errMsg := procErr.Error()
	if nextRetry >= maxRetries {
		_ = db.Transaction(func(tx *gorm.DB) error {
			return tx.Model(&batchJobRow{}).Where("id = ?", row.ID).
				Updates(map[string]any{"status": statusPermanentlyFailed, "error": errMsg, "retry_count": nextRetry, "completed_at": completedAt}).Error
		})
		return
	}
	_ = db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&batchJobRow{}).Where("id = ?", row.ID).
			Updates(map[string]any{"status": statusFailed, "error": errMsg, "retry_count": nextRetry}).Error
	})
}
