package taskstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyperjump/torikomi/internal/models"
)

const taskKeyPrefix = "torikomi:task:"

// progressScript raises progress monotonically and moves the task to PROGRESS
// unless it already reached a terminal state. Runs atomically server-side so
// two workers racing on a redelivered task cannot move progress backward.
var progressScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if state == false then return 0 end
if state == "SUCCESS" or state == "FAILURE" then return 1 end
local cur = tonumber(redis.call("HGET", KEYS[1], "progress")) or 0
local new = tonumber(ARGV[1])
if new > cur then
  redis.call("HSET", KEYS[1], "progress", new)
end
redis.call("HSET", KEYS[1], "state", "PROGRESS", "status_message", ARGV[2], "updated_at", ARGV[3])
return 1
`)

// RedisTaskStore implements TaskStore on a Redis hash per task. Used when
// workers run in separate processes from the API server.
type RedisTaskStore struct {
	client redis.UniversalClient
}

// NewRedisTaskStore connects to Redis and verifies the connection.
func NewRedisTaskStore(ctx context.Context, addr, password string, db int) (*RedisTaskStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Password:     password,
		DB:           db,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisTaskStore{client: client}, nil
}

func taskKey(taskID string) string { return taskKeyPrefix + taskID }

// Create inserts a new task record in PENDING.
func (s *RedisTaskStore) Create(ctx context.Context, rec *models.TaskRecord) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.State == "" {
		rec.State = models.TaskPending
	}
	return s.client.HSet(ctx, taskKey(rec.TaskID), map[string]interface{}{
		"kind":           string(rec.Kind),
		"state":          string(rec.State),
		"progress":       rec.Progress,
		"status_message": rec.StatusMessage,
		"error":          rec.Error,
		"attempt_count":  rec.AttemptCount,
		"created_at":     now.Format(time.RFC3339Nano),
		"updated_at":     now.Format(time.RFC3339Nano),
	}).Err()
}

// Get returns a task record by id.
func (s *RedisTaskStore) Get(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	rec := &models.TaskRecord{
		TaskID:        taskID,
		Kind:          models.TaskKind(fields["kind"]),
		State:         models.TaskState(fields["state"]),
		StatusMessage: fields["status_message"],
		Error:         fields["error"],
	}
	rec.Progress, _ = strconv.Atoi(fields["progress"])
	rec.AttemptCount, _ = strconv.Atoi(fields["attempt_count"])
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return rec, nil
}

// SetProgress raises progress monotonically via a server-side script.
func (s *RedisTaskStore) SetProgress(ctx context.Context, taskID string, progress int, message string) error {
	res, err := progressScript.Run(ctx, s.client, []string{taskKey(taskID)},
		progress, message, time.Now().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	return nil
}

// MarkSuccess transitions to SUCCESS with progress 100.
func (s *RedisTaskStore) MarkSuccess(ctx context.Context, taskID, message string) error {
	return s.setState(ctx, taskID, map[string]interface{}{
		"state":          string(models.TaskSuccess),
		"progress":       100,
		"status_message": message,
		"error":          "",
	})
}

// MarkFailure transitions to FAILURE and records the error string.
func (s *RedisTaskStore) MarkFailure(ctx context.Context, taskID, message, errMsg string) error {
	return s.setState(ctx, taskID, map[string]interface{}{
		"state":          string(models.TaskFailure),
		"status_message": message,
		"error":          errMsg,
	})
}

// MarkPending returns the task to PENDING for an internal retry.
func (s *RedisTaskStore) MarkPending(ctx context.Context, taskID, message string) error {
	state, err := s.client.HGet(ctx, taskKey(taskID), "state").Result()
	if err == redis.Nil {
		return fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if state == string(models.TaskSuccess) {
		return nil
	}
	return s.setState(ctx, taskID, map[string]interface{}{
		"state":          string(models.TaskPending),
		"status_message": message,
	})
}

// IncrementAttempt bumps and returns the attempt counter.
func (s *RedisTaskStore) IncrementAttempt(ctx context.Context, taskID string) (int, error) {
	n, err := s.client.HIncrBy(ctx, taskKey(taskID), "attempt_count", 1).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *RedisTaskStore) setState(ctx context.Context, taskID string, fields map[string]interface{}) error {
	exists, err := s.client.Exists(ctx, taskKey(taskID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	fields["updated_at"] = time.Now().Format(time.RFC3339Nano)
	return s.client.HSet(ctx, taskKey(taskID), fields).Err()
}

// Close closes the Redis connection.
func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}
