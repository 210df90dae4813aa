// Package taskstore persists task lifecycle records for caller polling.
package taskstore

import (
	"context"
	"errors"

	"github.com/hyperjump/torikomi/internal/models"
)

// ErrNotFound is returned when no record exists for a task id.
var ErrNotFound = errors.New("task not found")

// TaskStore defines task record persistence operations.
//
// Records are created at enqueue time in PENDING and mutated only by the
// worker currently holding the task. Progress updates are idempotent: a
// milestone re-applied after redelivery never moves progress backward, and a
// task in a terminal state is never regressed.
type TaskStore interface {
	Create(ctx context.Context, rec *models.TaskRecord) error
	Get(ctx context.Context, taskID string) (*models.TaskRecord, error)

	// SetProgress moves the task to PROGRESS (if not terminal) and raises
	// progress to max(current, progress) with the given status message.
	SetProgress(ctx context.Context, taskID string, progress int, message string) error

	// MarkSuccess transitions to SUCCESS with progress 100.
	MarkSuccess(ctx context.Context, taskID, message string) error

	// MarkFailure transitions to FAILURE and records the error string.
	MarkFailure(ctx context.Context, taskID, message, errMsg string) error

	// MarkPending returns the task to PENDING for an internal retry. Progress
	// is retained; only the attempt counter tells callers a retry happened.
	MarkPending(ctx context.Context, taskID, message string) error

	// IncrementAttempt bumps and returns the attempt counter.
	IncrementAttempt(ctx context.Context, taskID string) (int, error)

	Close() error
}
