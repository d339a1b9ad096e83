package statuswriter

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fenwick/pipelinerunner/internal/logging"
	"github.com/fenwick/pipelinerunner/internal/model"
)

func TestRead_MissingFileReturnsEmptyDefault(t *testing.T) {
	doc := Read(t.TempDir())
	if doc.State != "" || len(doc.Tasks) != 0 {
		t.Fatalf("expected empty default document, got %+v", doc)
	}
	for _, kind := range model.AllFileKinds {
		if doc.Files[kind] == nil {
			t.Fatalf("expected files[%s] initialized, got nil", kind)
		}
	}
}

func TestRead_UnparseableFileReturnsEmptyDefault(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tasks-status.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	doc := Read(dir)
	if doc.State != "" {
		t.Fatalf("expected default state for unparseable file, got %q", doc.State)
	}
}

func TestUpdateSync_PersistsAcrossReads(t *testing.T) {
	dir := t.TempDir()
	w := New(logging.NewNop(), nil)
	err := w.UpdateSync(dir, func(doc *model.Document) (*model.Document, error) {
		doc.ID = "job-1"
		doc.State = model.JobRunning
		return doc, nil
	})
	if err != nil {
		t.Fatalf("UpdateSync: %v", err)
	}
	doc := Read(dir)
	if doc.ID != "job-1" || doc.State != model.JobRunning {
		t.Fatalf("expected persisted state, got %+v", doc)
	}
}

func TestUpdateSync_TotalOrderingPerJobDir(t *testing.T) {
	dir := t.TempDir()
	w := New(logging.NewNop(), nil)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = w.UpdateSync(dir, func(doc *model.Document) (*model.Document, error) {
				tr := doc.EnsureTask("counter")
				tr.Attempts++
				return doc, nil
			})
		}()
	}
	wg.Wait()

	doc := Read(dir)
	if doc.Tasks["counter"].Attempts != n {
		t.Fatalf("expected %d attempts from totally ordered updates, got %d", n, doc.Tasks["counter"].Attempts)
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingNotifier) NotifyStatusChanged(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, jobID)
}

func TestUpdateSync_NotifiesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	n := &recordingNotifier{}
	w := New(logging.NewNop(), n)
	err := w.UpdateSync(dir, func(doc *model.Document) (*model.Document, error) {
		doc.ID = "job-xyz"
		return doc, nil
	})
	if err != nil {
		t.Fatalf("UpdateSync: %v", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.ids) != 1 || n.ids[0] != "job-xyz" {
		t.Fatalf("expected one notification for job-xyz, got %v", n.ids)
	}
}
