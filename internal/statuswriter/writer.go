// Package statuswriter provides serialized, atomic read-modify-write access
// to a job's tasks-status.json, the single source of truth for engine-
// visible job state.
//
// Ordering is implemented as a chain of dependent futures per job directory:
// each Update call registers itself as the new tail for that jobDir and
// waits for the previous tail to finish before reading-modifying-writing.
// This gives total ordering per job without a long-lived goroutine per job
// and without blocking operations on unrelated job directories.
package statuswriter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fenwick/pipelinerunner/internal/atomicfile"
	"github.com/fenwick/pipelinerunner/internal/errs"
	"github.com/fenwick/pipelinerunner/internal/logging"
	"github.com/fenwick/pipelinerunner/internal/model"
)

const statusFileName = "tasks-status.json"

// Mutator is a pure function from the current snapshot to the updated one.
// It may mutate and return the same pointer, or return a new one.
type Mutator func(*model.Document) (*model.Document, error)

// Notifier is the optional side channel the writer fans a change event out
// to after a successful write (see internal/notify for the Redis-backed
// implementation). Nil Notifier fields are valid no-ops.
type Notifier interface {
	NotifyStatusChanged(jobID string)
}

type Writer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}

	log      *logging.Logger
	notifier Notifier
}

func New(log *logging.Logger, notifier Notifier) *Writer {
	return &Writer{
		tails:    map[string]chan struct{}{},
		log:      log,
		notifier: notifier,
	}
}

// Update enqueues mutator for jobDir and returns a future (a receive-once
// channel) carrying the result. Operations against different jobDirs
// proceed independently; operations against the same jobDir are totally
// ordered by enqueue time.
func (w *Writer) Update(jobDir string, mutator Mutator) <-chan error {
	result := make(chan error, 1)

	w.mu.Lock()
	prev := w.tails[jobDir]
	mine := make(chan struct{})
	w.tails[jobDir] = mine
	w.mu.Unlock()

	go func() {
		defer close(mine)
		if prev != nil {
			<-prev
		}
		result <- w.apply(jobDir, mutator)
	}()

	return result
}

// UpdateSync performs the same enqueue-and-apply as Update but blocks until
// the write completes, for callers (supervisor fatal-exit paths) that
// cannot suspend and resume later.
func (w *Writer) UpdateSync(jobDir string, mutator Mutator) error {
	return <-w.Update(jobDir, mutator)
}

func (w *Writer) apply(jobDir string, mutator Mutator) error {
	path := filepath.Join(jobDir, statusFileName)
	doc := w.read(path)

	updated, err := mutator(doc)
	if err != nil {
		return err
	}
	if updated == nil {
		updated = doc
	}
	updated.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindStatusWriteFailed, "marshal status document", err)
	}
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindStatusWriteFailed, "write status document", err)
	}

	if w.notifier != nil {
		w.notifier.NotifyStatusChanged(updated.ID)
	}
	return nil
}

// read loads the document at path, substituting the empty default whenever
// the file is missing or unparseable — readers must tolerate both.
func (w *Writer) read(path string) *model.Document {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && w.log != nil {
			w.log.Warn("status file unreadable, using default", "path", path, "error", err)
		}
		return model.NewDocument()
	}
	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		if w.log != nil {
			w.log.Warn("status file unparseable, using default", "path", path, "error", err)
		}
		return model.NewDocument()
	}
	if doc.Tasks == nil {
		doc.Tasks = map[string]*model.TaskRecord{}
	}
	if doc.Files == nil {
		doc.Files = model.NewFileInventory()
	}
	return &doc
}

// Read is a package-level convenience for callers (e.g. the supervisor on
// startup) that need a one-off read without going through the write queue.
// It applies the same missing/unparseable-tolerant default.
func Read(jobDir string) *model.Document {
	w := &Writer{}
	return w.read(filepath.Join(jobDir, statusFileName))
}
