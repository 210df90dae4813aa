package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/torikomi/internal/models"
)

// SQLiteTaskStore implements TaskStore using SQLite.
type SQLiteTaskStore struct {
	db *sql.DB
}

// NewSQLiteTaskStore opens or creates a SQLite database at dbPath and
// initializes the tasks table. The path may be shared with the document store.
func NewSQLiteTaskStore(dbPath string) (*SQLiteTaskStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		status_message TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteTaskStore{db: db}, nil
}

// Create inserts a new task record in PENDING.
func (s *SQLiteTaskStore) Create(ctx context.Context, rec *models.TaskRecord) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.State == "" {
		rec.State = models.TaskPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, kind, state, progress, status_message, error, attempt_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Kind, rec.State, rec.Progress, rec.StatusMessage, rec.Error, rec.AttemptCount, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// Get returns a task record by id.
func (s *SQLiteTaskStore) Get(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	var rec models.TaskRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, kind, state, progress, status_message, error, attempt_count, created_at, updated_at
		 FROM tasks WHERE task_id = ?`, taskID,
	).Scan(&rec.TaskID, &rec.Kind, &rec.State, &rec.Progress, &rec.StatusMessage, &rec.Error, &rec.AttemptCount, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetProgress raises progress to max(current, progress) and moves the task to
// PROGRESS unless it already reached a terminal state.
func (s *SQLiteTaskStore) SetProgress(ctx context.Context, taskID string, progress int, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
		   progress = CASE WHEN ? > progress THEN ? ELSE progress END,
		   status_message = ?,
		   state = ?,
		   updated_at = ?
		 WHERE task_id = ? AND state NOT IN (?, ?)`,
		progress, progress, message, models.TaskProgress, time.Now(),
		taskID, models.TaskSuccess, models.TaskFailure,
	)
	if err != nil {
		return err
	}
	return s.checkExists(ctx, taskID, res)
}

// MarkSuccess transitions to SUCCESS with progress 100.
func (s *SQLiteTaskStore) MarkSuccess(ctx context.Context, taskID, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, progress = 100, status_message = ?, error = '', updated_at = ?
		 WHERE task_id = ?`,
		models.TaskSuccess, message, time.Now(), taskID,
	)
	if err != nil {
		return err
	}
	return s.checkExists(ctx, taskID, res)
}

// MarkFailure transitions to FAILURE and records the error string.
func (s *SQLiteTaskStore) MarkFailure(ctx context.Context, taskID, message, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, status_message = ?, error = ?, updated_at = ?
		 WHERE task_id = ?`,
		models.TaskFailure, message, errMsg, time.Now(), taskID,
	)
	if err != nil {
		return err
	}
	return s.checkExists(ctx, taskID, res)
}

// MarkPending returns the task to PENDING for an internal retry. A task that
// already reached SUCCESS (e.g. the first delivery finished while a duplicate
// was being retried) is left alone.
func (s *SQLiteTaskStore) MarkPending(ctx context.Context, taskID, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, status_message = ?, updated_at = ?
		 WHERE task_id = ? AND state != ?`,
		models.TaskPending, message, time.Now(), taskID, models.TaskSuccess,
	)
	if err != nil {
		return err
	}
	return s.checkExists(ctx, taskID, res)
}

// IncrementAttempt bumps and returns the attempt counter.
func (s *SQLiteTaskStore) IncrementAttempt(ctx context.Context, taskID string) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET attempt_count = attempt_count + 1, updated_at = ? WHERE task_id = ?`,
		time.Now(), taskID,
	); err != nil {
		return 0, err
	}
	var attempts int
	err := s.db.QueryRowContext(ctx, `SELECT attempt_count FROM tasks WHERE task_id = ?`, taskID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	return attempts, err
}

// checkExists distinguishes "no matching row" caused by a missing task from a
// legitimately skipped update on a terminal task.
func (s *SQLiteTaskStore) checkExists(ctx context.Context, taskID string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var one int
	if scanErr := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_id = ?`, taskID).Scan(&one); scanErr == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteTaskStore) Close() error {
	return s.db.Close()
}
