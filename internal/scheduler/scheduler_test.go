package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/torikomi/internal/broker"
	"github.com/hyperjump/torikomi/internal/models"
	"github.com/hyperjump/torikomi/internal/taskstore"
)

func TestSchedulerEnqueuesCleanup(t *testing.T) {
	b := broker.NewMemoryBroker(time.Minute)
	defer b.Close()
	ts, err := taskstore.NewSQLiteTaskStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("failed to create task store: %v", err)
	}
	defer ts.Close()

	s := New(b, ts, 20*time.Millisecond, 30, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	dctx, dcancel := context.WithTimeout(ctx, 2*time.Second)
	defer dcancel()
	d, err := b.Dequeue(dctx)
	if err != nil {
		t.Fatalf("expected a scheduled cleanup task: %v", err)
	}
	if d.Kind != models.KindCleanupDocuments {
		t.Errorf("expected kind %s, got %s", models.KindCleanupDocuments, d.Kind)
	}

	var p models.CleanupPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if p.OlderThanDays != 30 {
		t.Errorf("expected retention 30 days, got %d", p.OlderThanDays)
	}

	rec, err := ts.Get(ctx, d.TaskID)
	if err != nil {
		t.Fatalf("expected a task record for the scheduled cleanup: %v", err)
	}
	if rec.State != models.TaskPending {
		t.Errorf("expected PENDING, got %s", rec.State)
	}
}
