package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the slice of pgxpool.Pool the store needs; tests substitute
// a fake.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresConfig controls the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// PostgresStore persists tasks and batches in Postgres.
type PostgresStore struct {
	pool querier
}

// NewPostgresStore connects a pool and wraps it in a store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool,
// primarily for testing.
func NewPostgresStoreWithPool(pool querier) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateTask inserts a task row.
func (s *PostgresStore) CreateTask(ctx context.Context, task TaskRecord) error {
	status := task.Status
	if status == "" {
		status = TaskPending
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO tasks (id, batch_id, url, title, status, created_at, updated_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, now(), now())`,
		task.ID, task.BatchID, task.URL, task.Title, string(status))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTaskStatus transitions a task's lifecycle state.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, errText string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		taskID, string(status), errText)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// SaveTaskResult records the terminal crawl outcome.
func (s *PostgresStore) SaveTaskResult(ctx context.Context, taskID string, update ResultUpdate) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET
	status = $2,
	error = $3,
	status_code = $4,
	response_time_ms = $5,
	content = $6,
	title = COALESCE(NULLIF($7, ''), title),
	updated_at = now()
WHERE id = $1`,
		taskID, string(update.Status), update.Error, update.StatusCode,
		update.ResponseTimeMs, update.Content, update.Title)
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// SetTaskArtifact records where the rendered artifact lives.
func (s *PostgresStore) SetTaskArtifact(ctx context.Context, taskID, path string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET artifact_path = $2, updated_at = now() WHERE id = $1`,
		taskID, path)
	if err != nil {
		return fmt.Errorf("set task artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, COALESCE(batch_id, ''), url, title, status, error,
	status_code, response_time_ms, content, artifact_path,
	created_at, updated_at
FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaskRecord{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListBatchTasks returns the tasks of a batch ordered by creation time.
func (s *PostgresStore) ListBatchTasks(ctx context.Context, batchID string) ([]TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, COALESCE(batch_id, ''), url, title, status, error,
	status_code, response_time_ms, content, artifact_path,
	created_at, updated_at
FROM tasks WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task: %w", scanErr)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// CreateBatch inserts a batch row.
func (s *PostgresStore) CreateBatch(ctx context.Context, batch BatchRecord) error {
	status := batch.Status
	if status == "" {
		status = BatchPending
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO batches (id, status, total, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())`,
		batch.ID, string(status), batch.Total)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// UpdateBatchStatus transitions a batch and refreshes its counters.
func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, completed, failed int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE batches SET status = $2, completed = $3, failed = $4, updated_at = now()
WHERE id = $1`,
		batchID, string(status), completed, failed)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return nil
}

// SetBatchArtifact records where the packaged archive lives.
func (s *PostgresStore) SetBatchArtifact(ctx context.Context, batchID, path string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE batches SET artifact_path = $2, updated_at = now() WHERE id = $1`,
		batchID, path)
	if err != nil {
		return fmt.Errorf("set batch artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return nil
}

// GetBatch fetches a batch by id.
func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (BatchRecord, error) {
	var batch BatchRecord
	var status string
	err := s.pool.QueryRow(ctx, `
SELECT id, status, total, completed, failed, artifact_path, created_at, updated_at
FROM batches WHERE id = $1`, batchID).Scan(
		&batch.ID, &status, &batch.Total, &batch.Completed, &batch.Failed,
		&batch.ArtifactPath, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BatchRecord{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
		}
		return BatchRecord{}, fmt.Errorf("get batch: %w", err)
	}
	batch.Status = BatchStatus(status)
	return batch, nil
}

func scanTask(row pgx.Row) (TaskRecord, error) {
	var task TaskRecord
	var status string
	err := row.Scan(
		&task.ID, &task.BatchID, &task.URL, &task.Title, &status, &task.Error,
		&task.StatusCode, &task.ResponseTimeMs, &task.Content, &task.ArtifactPath,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return TaskRecord{}, err
	}
	task.Status = TaskStatus(status)
	return task, nil
}

var _ TaskStore = (*PostgresStore)(nil)
