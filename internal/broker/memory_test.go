package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperjump/torikomi/internal/models"
)

func TestMemoryBrokerEnqueueDequeue(t *testing.T) {
	b := NewMemoryBroker(time.Minute)
	defer b.Close()

	ctx := context.Background()
	taskID, err := b.Enqueue(ctx, models.KindProcessDocument, []byte("payload"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if taskID == "" {
		t.Fatal("expected non-empty task id")
	}

	d, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if d.TaskID != taskID {
		t.Errorf("expected task id %s, got %s", taskID, d.TaskID)
	}
	if d.Kind != models.KindProcessDocument {
		t.Errorf("expected kind %s, got %s", models.KindProcessDocument, d.Kind)
	}
	if string(d.Payload) != "payload" {
		t.Errorf("expected payload %q, got %q", "payload", d.Payload)
	}
	if d.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", d.Attempt)
	}
}

func TestMemoryBrokerAckRemoves(t *testing.T) {
	b := NewMemoryBroker(50 * time.Millisecond)
	defer b.Close()

	ctx := context.Background()
	if _, err := b.Enqueue(ctx, models.KindProcessDocument, nil); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	d, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	// Acked messages must not come back after the visibility timeout.
	ctx2, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := b.Dequeue(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryBrokerNackRedelivers(t *testing.T) {
	b := NewMemoryBroker(time.Minute)
	defer b.Close()

	ctx := context.Background()
	taskID, err := b.Enqueue(ctx, models.KindProcessDocument, []byte("x"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	d1, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := b.Nack(ctx, d1); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	d2, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after nack failed: %v", err)
	}
	if d2.TaskID != taskID {
		t.Errorf("expected redelivery of %s, got %s", taskID, d2.TaskID)
	}
	if d2.Attempt != 2 {
		t.Errorf("expected attempt 2 after nack, got %d", d2.Attempt)
	}
}

func TestMemoryBrokerVisibilityTimeoutRedelivers(t *testing.T) {
	b := NewMemoryBroker(30 * time.Millisecond)
	defer b.Close()

	ctx := context.Background()
	taskID, err := b.Enqueue(ctx, models.KindProcessDocument, nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := b.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// Never acked, so it should be redelivered after the timeout.
	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d2, err := b.Dequeue(ctx2)
	if err != nil {
		t.Fatalf("expected redelivery, got %v", err)
	}
	if d2.TaskID != taskID {
		t.Errorf("expected task %s, got %s", taskID, d2.TaskID)
	}
	if d2.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", d2.Attempt)
	}
}

func TestMemoryBrokerAckAfterRedeliveryIsNoop(t *testing.T) {
	b := NewMemoryBroker(30 * time.Millisecond)
	defer b.Close()

	ctx := context.Background()
	if _, err := b.Enqueue(ctx, models.KindProcessDocument, nil); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	d1, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d2, err := b.Dequeue(ctx2)
	if err != nil {
		t.Fatalf("expected redelivery, got %v", err)
	}

	// The stale receipt must not remove the redelivered message.
	if err := b.Ack(ctx, d1); err != nil {
		t.Fatalf("Ack with stale receipt failed: %v", err)
	}
	if err := b.Ack(ctx, d2); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestMemoryBrokerDequeueRespectsContext(t *testing.T) {
	b := NewMemoryBroker(time.Minute)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after context cancellation")
	}
}

func TestMemoryBrokerCloseUnblocksDequeue(t *testing.T) {
	b := NewMemoryBroker(time.Minute)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}

func TestMemoryBrokerFIFOOrder(t *testing.T) {
	b := NewMemoryBroker(time.Minute)
	defer b.Close()

	ctx := context.Background()
	var want []string
	for i := 0; i < 5; i++ {
		id, err := b.Enqueue(ctx, models.KindProcessDocument, nil)
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		want = append(want, id)
	}
	for i, wantID := range want {
		d, err := b.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d failed: %v", i, err)
		}
		if d.TaskID != wantID {
			t.Errorf("position %d: expected %s, got %s", i, wantID, d.TaskID)
		}
		if err := b.Ack(ctx, d); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}
}

func TestMemoryBrokerEnqueueBurstWakesAllWaiters(t *testing.T) {
	b := NewMemoryBroker(time.Minute)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Two consumers block before anything is queued.
	got := make(chan *Delivery, 2)
	for i := 0; i < 2; i++ {
		go func() {
			d, err := b.Dequeue(ctx)
			if err != nil {
				return
			}
			got <- d
		}()
	}
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if _, err := b.Enqueue(context.Background(), models.KindProcessDocument, []byte("x")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// Both consumers must receive promptly, well before any redelivery.
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatalf("consumer %d never received a message", i)
		}
	}
}
