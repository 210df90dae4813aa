package models

import "time"

// TaskState is the caller-visible lifecycle state of a task.
type TaskState string

const (
	TaskPending  TaskState = "PENDING"
	TaskProgress TaskState = "PROGRESS"
	TaskSuccess  TaskState = "SUCCESS"
	TaskFailure  TaskState = "FAILURE"
)

// Terminal reports whether no further state transitions can occur.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

// TaskKind identifies which handler executes a task. The set is static; new
// kinds are added to the worker registry explicitly.
type TaskKind string

const (
	KindProcessDocument  TaskKind = "process_document"
	KindCleanupDocuments TaskKind = "cleanup_documents"
)

// TaskRecord is the persisted representation of a task lifecycle, created at
// enqueue time and retained after completion for later polling.
type TaskRecord struct {
	TaskID        string    `json:"task_id" db:"task_id"`
	Kind          TaskKind  `json:"kind" db:"kind"`
	State         TaskState `json:"state" db:"state"`
	Progress      int       `json:"progress" db:"progress"`
	StatusMessage string    `json:"status_message" db:"status_message"`
	Error         string    `json:"error,omitempty" db:"error"`
	AttemptCount  int       `json:"attempt_count" db:"attempt_count"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ProcessPayload is the payload of a process_document task. The file bytes
// travel with the broker message; the task record itself stays small.
type ProcessPayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// CleanupPayload is the payload of a cleanup_documents task.
type CleanupPayload struct {
	OlderThanDays int `json:"older_than_days"`
}
