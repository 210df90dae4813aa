package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/torikomi/internal/broker"
	"github.com/hyperjump/torikomi/pkg/utils"
)

const maxErrorLen = 500

// dequeueBackoff is the pause before retrying a failed dequeue, so a broker
// outage does not spin the workers.
const dequeueBackoff = time.Second

// Pool runs a fixed number of workers that dequeue tasks, execute their
// handlers under a per-task timeout, and settle each delivery exactly once:
// ack on success or permanent failure, nack when a retry should happen.
type Pool struct {
	broker  broker.Broker
	tasks   taskStore
	reg     Registry
	retry   RetryPolicy
	size    int
	timeout time.Duration
	logger  *zap.Logger
}

// taskStore is the subset of taskstore.TaskStore the pool mutates.
type taskStore interface {
	SetProgress(ctx context.Context, taskID string, progress int, message string) error
	MarkSuccess(ctx context.Context, taskID, message string) error
	MarkFailure(ctx context.Context, taskID, message, errMsg string) error
	MarkPending(ctx context.Context, taskID, message string) error
	IncrementAttempt(ctx context.Context, taskID string) (int, error)
}

// NewPool creates a pool of size workers with a per-task execution timeout.
func NewPool(b broker.Broker, tasks taskStore, reg Registry, size int, timeout time.Duration, retry RetryPolicy, logger *zap.Logger) *Pool {
	return &Pool{
		broker:  b,
		tasks:   tasks,
		reg:     reg,
		retry:   retry,
		size:    size,
		timeout: timeout,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled or the broker closes, then returns after
// all in-flight tasks finish.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			return p.work(ctx, id)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, workerID int) error {
	log := p.logger.With(zap.Int("worker", workerID))
	for {
		d, err := p.broker.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A broker blip must not kill the worker. Wait and redial.
			log.Warn("dequeue failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		p.execute(ctx, d, log)
	}
}

// execute runs one delivery through its handler and settles it. Settlement
// uses context.Background so a shutting-down worker still records the
// outcome of the task it was running.
func (p *Pool) execute(ctx context.Context, d *broker.Delivery, log *zap.Logger) {
	log = log.With(zap.String("task_id", d.TaskID), zap.String("kind", string(d.Kind)))

	handler, ok := p.reg[d.Kind]
	if !ok {
		// Unknown kinds are a deploy mismatch; retrying cannot help.
		log.Error("no handler registered for task kind")
		p.settle(d, fmt.Errorf("%w: unknown task kind %q", ErrInternal, d.Kind), log)
		return
	}

	if _, err := p.tasks.IncrementAttempt(context.Background(), d.TaskID); err != nil {
		log.Warn("failed to record task attempt", zap.Error(err))
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.run(taskCtx, d, handler)
	cancel()

	p.settle(d, err, log)
}

// run invokes the handler with panic recovery.
func (p *Pool) run(ctx context.Context, d *broker.Delivery, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", ErrInternal, r)
		}
	}()
	rep := NewReporter(p.tasks, d.TaskID, p.logger)
	return handler.Handle(ctx, d.TaskID, d.Payload, rep)
}

func (p *Pool) settle(d *broker.Delivery, err error, log *zap.Logger) {
	ctx := context.Background()

	if err == nil {
		if serr := p.tasks.MarkSuccess(ctx, d.TaskID, "completed"); serr != nil {
			log.Error("failed to mark task succeeded", zap.Error(serr))
		}
		if aerr := p.broker.Ack(ctx, d); aerr != nil {
			log.Error("failed to ack task", zap.Error(aerr))
		}
		log.Info("task completed", zap.Int("attempt", d.Attempt))
		return
	}

	errMsg := utils.Truncate(err.Error(), maxErrorLen)

	if terminal(err) || p.retry.Exhausted(d.Attempt) {
		if ferr := p.tasks.MarkFailure(ctx, d.TaskID, "failed", errMsg); ferr != nil {
			log.Error("failed to mark task failed", zap.Error(ferr))
		}
		if aerr := p.broker.Ack(ctx, d); aerr != nil {
			log.Error("failed to ack failed task", zap.Error(aerr))
		}
		log.Warn("task failed permanently",
			zap.Int("attempt", d.Attempt),
			zap.Error(err))
		return
	}

	if perr := p.tasks.MarkPending(ctx, d.TaskID, "retrying"); perr != nil {
		log.Error("failed to mark task pending for retry", zap.Error(perr))
	}
	if nerr := p.broker.Nack(ctx, d); nerr != nil {
		log.Error("failed to nack task", zap.Error(nerr))
	}
	log.Warn("task will be retried",
		zap.Int("attempt", d.Attempt),
		zap.Error(err))
}
