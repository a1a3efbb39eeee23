package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory TaskStore used for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]TaskRecord
	batches map[string]BatchRecord
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]TaskRecord),
		batches: make(map[string]BatchRecord),
		now:     time.Now,
	}
}

// CreateTask stores a new task.
func (s *MemoryStore) CreateTask(_ context.Context, task TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	now := s.now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskPending
	}
	s.tasks[task.ID] = task
	return nil
}

// UpdateTaskStatus transitions a task's lifecycle state.
func (s *MemoryStore) UpdateTaskStatus(_ context.Context, taskID string, status TaskStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	task.Status = status
	task.Error = errText
	task.UpdatedAt = s.now().UTC()
	s.tasks[taskID] = task
	return nil
}

// SaveTaskResult records the terminal crawl outcome.
func (s *MemoryStore) SaveTaskResult(_ context.Context, taskID string, update ResultUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	task.Status = update.Status
	task.Error = update.Error
	task.StatusCode = update.StatusCode
	task.ResponseTimeMs = update.ResponseTimeMs
	task.Content = update.Content
	if update.Title != "" {
		task.Title = update.Title
	}
	task.UpdatedAt = s.now().UTC()
	s.tasks[taskID] = task
	return nil
}

// SetTaskArtifact records where the rendered artifact lives.
func (s *MemoryStore) SetTaskArtifact(_ context.Context, taskID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	task.ArtifactPath = path
	task.UpdatedAt = s.now().UTC()
	s.tasks[taskID] = task
	return nil
}

// GetTask fetches a task by id.
func (s *MemoryStore) GetTask(_ context.Context, taskID string) (TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return TaskRecord{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return task, nil
}

// ListBatchTasks returns the tasks of a batch ordered by creation time.
func (s *MemoryStore) ListBatchTasks(_ context.Context, batchID string) ([]TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TaskRecord
	for _, task := range s.tasks {
		if task.BatchID == batchID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateBatch stores a new batch.
func (s *MemoryStore) CreateBatch(_ context.Context, batch BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	now := s.now().UTC()
	batch.CreatedAt = now
	batch.UpdatedAt = now
	if batch.Status == "" {
		batch.Status = BatchPending
	}
	s.batches[batch.ID] = batch
	return nil
}

// UpdateBatchStatus transitions a batch and refreshes its counters.
func (s *MemoryStore) UpdateBatchStatus(_ context.Context, batchID string, status BatchStatus, completed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	batch.Status = status
	batch.Completed = completed
	batch.Failed = failed
	batch.UpdatedAt = s.now().UTC()
	s.batches[batchID] = batch
	return nil
}

// SetBatchArtifact records where the packaged archive lives.
func (s *MemoryStore) SetBatchArtifact(_ context.Context, batchID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	batch.ArtifactPath = path
	batch.UpdatedAt = s.now().UTC()
	s.batches[batchID] = batch
	return nil
}

// GetBatch fetches a batch by id.
func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return BatchRecord{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return batch, nil
}

var _ TaskStore = (*MemoryStore)(nil)
