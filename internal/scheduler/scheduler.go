// Package scheduler periodically enqueues housekeeping tasks.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/torikomi/internal/broker"
	"github.com/hyperjump/torikomi/internal/models"
	"github.com/hyperjump/torikomi/internal/taskstore"
)

// Scheduler enqueues a cleanup_documents task every interval. The cleanup
// itself runs on the worker pool like any other task, so its retries and
// progress follow the same rules.
type Scheduler struct {
	broker        broker.Broker
	tasks         taskstore.TaskStore
	interval      time.Duration
	olderThanDays int
	logger        *zap.Logger
}

// New creates a scheduler that retires documents older than olderThanDays.
func New(b broker.Broker, tasks taskstore.TaskStore, interval time.Duration, olderThanDays int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		broker:        b,
		tasks:         tasks,
		interval:      interval,
		olderThanDays: olderThanDays,
		logger:        logger,
	}
}

// Run blocks until ctx is cancelled. The first cleanup fires after one full
// interval, not at startup, so restarts do not pile up cleanup runs.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.enqueueCleanup(ctx); err != nil {
				s.logger.Error("failed to schedule cleanup", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) enqueueCleanup(ctx context.Context) error {
	payload, err := json.Marshal(models.CleanupPayload{OlderThanDays: s.olderThanDays})
	if err != nil {
		return err
	}
	taskID, err := s.broker.Enqueue(ctx, models.KindCleanupDocuments, payload)
	if err != nil {
		return err
	}
	if err := s.tasks.Create(ctx, &models.TaskRecord{
		TaskID: taskID,
		Kind:   models.KindCleanupDocuments,
		State:  models.TaskPending,
	}); err != nil {
		return err
	}
	s.logger.Info("cleanup scheduled",
		zap.String("task_id", taskID),
		zap.Int("older_than_days", s.olderThanDays))
	return nil
}
