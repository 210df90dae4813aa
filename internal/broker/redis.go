package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hyperjump/torikomi/internal/models"
)

const (
	pendingKey   = "torikomi:queue:pending"
	inflightKey  = "torikomi:queue:inflight"
	msgKeyPrefix = "torikomi:msg:"

	reclaimInterval = 5 * time.Second
	popTimeout      = 2 * time.Second
)

// RedisBroker is a Broker backed by Redis, for deployments where the API
// server and workers run as separate processes. Pending task ids live in a
// list, in-flight ones in a sorted set scored by their visibility deadline,
// and the message body in a per-task hash.
type RedisBroker struct {
	client     redis.UniversalClient
	visibility time.Duration
	done       chan struct{}
}

// NewRedisBroker connects to Redis and starts the redelivery loop.
func NewRedisBroker(addr, password string, db int, visibility time.Duration) (*RedisBroker, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := &RedisBroker{
		client:     client,
		visibility: visibility,
		done:       make(chan struct{}),
	}
	go b.reclaim()
	return b, nil
}

func msgKey(taskID string) string {
	return msgKeyPrefix + taskID
}

func (b *RedisBroker) Enqueue(ctx context.Context, kind models.TaskKind, payload []byte) (string, error) {
	taskID := uuid.New().String()

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, msgKey(taskID), map[string]interface{}{
		"kind":     string(kind),
		"payload":  payload,
		"attempts": 0,
	})
	pipe.RPush(ctx, pendingKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return taskID, nil
}

func (b *RedisBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-b.done:
			return nil, ErrClosed
		default:
		}

		res, err := b.client.BLPop(ctx, popTimeout, pendingKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue task: %w", err)
		}
		taskID := res[1]

		fields, err := b.client.HGetAll(ctx, msgKey(taskID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
		}
		if len(fields) == 0 {
			// Body expired or was acked by a racing consumer, skip it.
			continue
		}

		attempts, err := b.client.HIncrBy(ctx, msgKey(taskID), "attempts", 1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count attempt for task %s: %w", taskID, err)
		}
		deadline := float64(time.Now().Add(b.visibility).UnixMilli())
		if err := b.client.ZAdd(ctx, inflightKey, redis.Z{Score: deadline, Member: taskID}).Err(); err != nil {
			return nil, fmt.Errorf("failed to track task %s in flight: %w", taskID, err)
		}

		return &Delivery{
			Message: Message{
				TaskID:  taskID,
				Kind:    models.TaskKind(fields["kind"]),
				Payload: []byte(fields["payload"]),
			},
			Attempt: int(attempts),
			receipt: taskID,
		}, nil
	}
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, d.receipt)
	pipe.Del(ctx, msgKey(d.receipt))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", d.TaskID, err)
	}
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, d *Delivery) error {
	removed, err := b.client.ZRem(ctx, inflightKey, d.receipt).Result()
	if err != nil {
		return fmt.Errorf("failed to nack task %s: %w", d.TaskID, err)
	}
	if removed == 0 {
		// The reclaim loop already requeued it.
		return nil
	}
	if err := b.client.RPush(ctx, pendingKey, d.receipt).Err(); err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", d.TaskID, err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return b.client.Close()
}

// PendingCount reports how many tasks are waiting for a worker.
func (b *RedisBroker) PendingCount(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, pendingKey).Result()
}

// reclaim requeues in-flight tasks whose visibility deadline passed.
func (b *RedisBroker) reclaim() {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			b.reclaimExpired(ctx)
			cancel()
		}
	}
}

func (b *RedisBroker) reclaimExpired(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := b.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return
	}
	for _, taskID := range expired {
		// Only the caller that wins the removal requeues, so a task is
		// never pushed back twice.
		removed, err := b.client.ZRem(ctx, inflightKey, taskID).Result()
		if err != nil || removed == 0 {
			continue
		}
		b.client.RPush(ctx, pendingKey, taskID)
	}
}
