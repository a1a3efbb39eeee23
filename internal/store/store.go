// Package store persists capture tasks and batches. Two implementations
// are provided: an in-memory store for development and tests, and a
// Postgres store for deployments.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a task or batch id is unknown.
var ErrNotFound = errors.New("not found")

// TaskStatus is the lifecycle state of one capture task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// BatchStatus is the terminal disposition of a batch.
type BatchStatus string

// Batch lifecycle states. Partial means some tasks succeeded and some
// failed; Failed means none succeeded or packaging broke.
const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
)

// TaskRecord is the persisted view of one capture task.
type TaskRecord struct {
	ID             string
	BatchID        string // empty for single submissions
	URL            string
	Title          string
	Status         TaskStatus
	Error          string
	StatusCode     int
	ResponseTimeMs int64
	Content        string
	ArtifactPath   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BatchRecord is the persisted view of one batch.
type BatchRecord struct {
	ID           string
	Status       BatchStatus
	Total        int
	Completed    int
	Failed       int
	ArtifactPath string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ResultUpdate carries the terminal outcome of a crawl into the store.
type ResultUpdate struct {
	Status         TaskStatus
	Title          string
	Error          string
	StatusCode     int
	ResponseTimeMs int64
	Content        string
}

// TaskStore persists tasks and batches.
type TaskStore interface {
	CreateTask(ctx context.Context, task TaskRecord) error
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, errText string) error
	SaveTaskResult(ctx context.Context, taskID string, update ResultUpdate) error
	SetTaskArtifact(ctx context.Context, taskID, path string) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, error)
	ListBatchTasks(ctx context.Context, batchID string) ([]TaskRecord, error)

	CreateBatch(ctx context.Context, batch BatchRecord) error
	UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, completed, failed int) error
	SetBatchArtifact(ctx context.Context, batchID, path string) error
	GetBatch(ctx context.Context, batchID string) (BatchRecord, error)
}
