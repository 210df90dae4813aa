package worker

import (
	"context"

	"go.uber.org/zap"
)

// progressStore is the single taskstore operation a Reporter needs.
type progressStore interface {
	SetProgress(ctx context.Context, taskID string, progress int, message string) error
}

// Reporter publishes progress milestones for one task. Updates are
// best-effort: a failed write is logged but never fails the task, and the
// underlying store keeps progress monotonic across redeliveries.
type Reporter struct {
	tasks  progressStore
	taskID string
	logger *zap.Logger
}

// NewReporter creates a reporter bound to taskID.
func NewReporter(tasks progressStore, taskID string, logger *zap.Logger) *Reporter {
	return &Reporter{tasks: tasks, taskID: taskID, logger: logger}
}

// Milestone records progress with a status message.
func (r *Reporter) Milestone(ctx context.Context, progress int, message string) {
	if err := r.tasks.SetProgress(ctx, r.taskID, progress, message); err != nil {
		r.logger.Warn("failed to update task progress",
			zap.String("task_id", r.taskID),
			zap.Int("progress", progress),
			zap.Error(err))
	}
}
