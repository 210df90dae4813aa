package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/torikomi/internal/models"
)

// memMessage is a queued message plus its delivery bookkeeping.
type memMessage struct {
	msg      Message
	attempts int
	deadline time.Time
	receipt  string
}

// MemoryBroker is an in-process Broker with visibility-timeout redelivery.
// Used in single-process server mode and in tests.
type MemoryBroker struct {
	mu       sync.Mutex
	pending  []*memMessage
	inflight map[string]*memMessage

	visibility time.Duration
	// notify is closed and replaced whenever pending grows, so every
	// blocked Dequeue wakes, not just one.
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryBroker creates a broker whose dequeued messages become
// redeliverable after visibility elapses without an ack.
func NewMemoryBroker(visibility time.Duration) *MemoryBroker {
	b := &MemoryBroker{
		inflight:   make(map[string]*memMessage),
		visibility: visibility,
		notify:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go b.reap()
	return b
}

// Enqueue records the message and returns a new task id.
func (b *MemoryBroker) Enqueue(ctx context.Context, kind models.TaskKind, payload []byte) (string, error) {
	taskID := uuid.New().String()
	m := &memMessage{msg: Message{TaskID: taskID, Kind: kind, Payload: payload}}

	b.mu.Lock()
	b.pending = append(b.pending, m)
	b.mu.Unlock()
	b.wake()
	return taskID, nil
}

// Dequeue blocks until a message is available, ctx is cancelled, or the
// broker closes.
func (b *MemoryBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			m := b.pending[0]
			b.pending = b.pending[1:]
			m.attempts++
			m.receipt = uuid.New().String()
			m.deadline = time.Now().Add(b.visibility)
			b.inflight[m.receipt] = m
			b.mu.Unlock()
			return &Delivery{Message: m.msg, Attempt: m.attempts, receipt: m.receipt}, nil
		}
		ch := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-ch:
		}
	}
}

// Ack permanently removes the delivered message. Acking after the visibility
// timeout already redelivered the message is a no-op.
func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	delete(b.inflight, d.receipt)
	b.mu.Unlock()
	return nil
}

// Nack makes the delivered message immediately redeliverable.
func (b *MemoryBroker) Nack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	if m, ok := b.inflight[d.receipt]; ok {
		delete(b.inflight, d.receipt)
		b.pending = append(b.pending, m)
	}
	b.mu.Unlock()
	b.wake()
	return nil
}

// Close stops the reaper and unblocks all Dequeue callers.
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

// reap returns expired in-flight messages to the pending queue.
func (b *MemoryBroker) reap() {
	interval := b.visibility / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			expired := false
			for receipt, m := range b.inflight {
				if now.After(m.deadline) {
					delete(b.inflight, receipt)
					b.pending = append(b.pending, m)
					expired = true
				}
			}
			b.mu.Unlock()
			if expired {
				b.wake()
			}
		}
	}
}

func (b *MemoryBroker) wake() {
	b.mu.Lock()
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}
