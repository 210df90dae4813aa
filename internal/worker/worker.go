// Package worker executes broker-delivered tasks on a bounded pool.
package worker

import (
	"context"
	"errors"

	"github.com/hyperjump/torikomi/internal/extract"
	"github.com/hyperjump/torikomi/internal/models"
)

// ErrInternal marks a handler panic that was recovered into a failure.
var ErrInternal = errors.New("internal error")

// ErrEmptyDocument marks a file that parsed cleanly but yielded no text.
var ErrEmptyDocument = errors.New("no text extracted")

// Handler executes one task kind. Returning nil acknowledges the task as
// SUCCESS; returning an error routes through the retry policy.
type Handler interface {
	Handle(ctx context.Context, taskID string, payload []byte, rep *Reporter) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, taskID string, payload []byte, rep *Reporter) error

func (f HandlerFunc) Handle(ctx context.Context, taskID string, payload []byte, rep *Reporter) error {
	return f(ctx, taskID, payload, rep)
}

// Registry maps task kinds to their handlers. The set is fixed at startup.
type Registry map[models.TaskKind]Handler

// RetryPolicy decides when a failing task stops being retried.
type RetryPolicy struct {
	MaxAttempts int
}

// Exhausted reports whether attempt was the task's last try.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// terminal reports whether err can never succeed on retry. Malformed or
// unsupported input stays malformed no matter how often it is re-run;
// everything else (I/O, timeouts, storage contention) is worth retrying.
func terminal(err error) bool {
	return errors.Is(err, extract.ErrUnsupportedFormat) ||
		errors.Is(err, extract.ErrCorruptFile) ||
		errors.Is(err, ErrEmptyDocument) ||
		errors.Is(err, ErrInternal)
}
