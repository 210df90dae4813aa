// Package broker provides at-least-once task delivery from producers to workers.
package broker

import (
	"context"
	"errors"

	"github.com/hyperjump/torikomi/internal/models"
)

// ErrClosed is returned by Dequeue after the broker shuts down.
var ErrClosed = errors.New("broker closed")

// Message is the opaque task record carried from producer to worker.
type Message struct {
	TaskID  string
	Kind    models.TaskKind
	Payload []byte
}

// Delivery is one delivery of a message to a worker. Attempt starts at 1 and
// counts redeliveries. The receipt ties Ack/Nack to this specific delivery.
type Delivery struct {
	Message
	Attempt int
	receipt string
}

// Broker moves task messages from producers to workers with at-least-once
// semantics. A dequeued message is invisible to other workers until its
// visibility timeout expires; unacknowledged messages are redelivered.
type Broker interface {
	// Enqueue durably records the message and returns its task id. The id is
	// generated here so producers can hand it to callers immediately.
	Enqueue(ctx context.Context, kind models.TaskKind, payload []byte) (string, error)

	// Dequeue blocks until a message is available or ctx is cancelled.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack permanently removes the message.
	Ack(ctx context.Context, d *Delivery) error

	// Nack makes the message immediately redeliverable.
	Nack(ctx context.Context, d *Delivery) error

	Close() error
}
