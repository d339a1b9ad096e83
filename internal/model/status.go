// Package model defines the durable data shapes shared across the engine:
// the status document, per-task records, stage handler contracts, and the
// token-usage tuples threaded from the model-event stream into the status
// document.
package model

import "time"

// JobState is the top-level lifecycle state of a job's status document.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
	JobRejected JobState = "rejected"
)

// TaskState is the lifecycle state of one task within a job.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
	TaskSkipped TaskState = "skipped"
)

// FileKind names one of the three typed file trees under a job's files/ dir.
type FileKind string

const (
	FileArtifacts FileKind = "artifacts"
	FileLogs      FileKind = "logs"
	FileTmp       FileKind = "tmp"
)

// AllFileKinds enumerates the FileKind set in a stable order, used whenever
// the engine needs to initialize all three inventories at once.
var AllFileKinds = []FileKind{FileArtifacts, FileLogs, FileTmp}

// TokenUsage is the [modelKey, inputTokens, outputTokens] triple appended to
// a task's tokenUsage list once per request:complete model event.
type TokenUsage struct {
	ModelKey     string `json:"modelKey"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// ErrorEnvelope is the normalized shape every stage-handler failure is
// reduced to before being written into the status document.
type ErrorEnvelope struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Debug   map[string]any `json:"debug,omitempty"`
}

// FileInventory is a duplicate-free, insertion-ordered list of file names
// per FileKind, as stored in both the job-level and per-task files map.
type FileInventory map[FileKind][]string

func NewFileInventory() FileInventory {
	fi := make(FileInventory, len(AllFileKinds))
	for _, k := range AllFileKinds {
		fi[k] = []string{}
	}
	return fi
}

// Add appends name to kind's list if not already present; it is a no-op
// otherwise. Returns true if the name was newly added.
func (fi FileInventory) Add(kind FileKind, name string) bool {
	if fi == nil {
		return false
	}
	for _, existing := range fi[kind] {
		if existing == name {
			return false
		}
	}
	fi[kind] = append(fi[kind], name)
	return true
}

// TaskRecord is the per-task entry in a status document's tasks map.
type TaskRecord struct {
	State              TaskState      `json:"state"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	EndedAt            *time.Time     `json:"endedAt,omitempty"`
	Attempts           int            `json:"attempts"`
	RefinementAttempts int            `json:"refinementAttempts"`
	CurrentStage       *string        `json:"currentStage"`
	FailedStage        *string        `json:"failedStage,omitempty"`
	ExecutionTime      int64          `json:"executionTime"`
	Artifacts          []string       `json:"artifacts"`
	TokenUsage         []TokenUsage   `json:"tokenUsage"`
	Files              FileInventory  `json:"files"`
	Error              *ErrorEnvelope `json:"error,omitempty"`
}

func NewTaskRecord() *TaskRecord {
	return &TaskRecord{
		State:      TaskPending,
		Artifacts:  []string{},
		TokenUsage: []TokenUsage{},
		Files:      NewFileInventory(),
	}
}

// Document is the single per-job status document persisted at
// <jobDir>/tasks-status.json.
type Document struct {
	ID           string                 `json:"id"`
	State        JobState               `json:"state"`
	Current      *string                `json:"current"`
	CurrentStage *string                `json:"currentStage"`
	Progress     int                    `json:"progress"`
	LastUpdated  time.Time              `json:"lastUpdated"`
	PipelineID   string                 `json:"pipelineId"`
	Tasks        map[string]*TaskRecord `json:"tasks"`
	Files        FileInventory          `json:"files"`
}

// NewDocument returns the default empty document: {files:{...}, tasks:{}}.
// The Status Writer substitutes this for a missing or unparseable file.
func NewDocument() *Document {
	return &Document{
		Tasks: map[string]*TaskRecord{},
		Files: NewFileInventory(),
	}
}

// EnsureTask returns the TaskRecord for name, creating it (as pending) if
// absent. The returned record is always non-nil with non-nil slices/maps.
func (d *Document) EnsureTask(name string) *TaskRecord {
	if d.Tasks == nil {
		d.Tasks = map[string]*TaskRecord{}
	}
	tr, ok := d.Tasks[name]
	if !ok || tr == nil {
		tr = NewTaskRecord()
		d.Tasks[name] = tr
	}
	if tr.Files == nil {
		tr.Files = NewFileInventory()
	}
	if tr.Artifacts == nil {
		tr.Artifacts = []string{}
	}
	if tr.TokenUsage == nil {
		tr.TokenUsage = []TokenUsage{}
	}
	return tr
}
