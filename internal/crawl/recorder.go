package crawl

import (
	"context"

	"github.com/pagevault/pagevault/internal/store"
)

// StoreRecorder persists crawl status transitions and results through a
// TaskStore.
type StoreRecorder struct {
	tasks store.TaskStore
}

// NewStoreRecorder wraps a TaskStore as a Recorder.
func NewStoreRecorder(tasks store.TaskStore) *StoreRecorder {
	return &StoreRecorder{tasks: tasks}
}

// MarkProcessing implements Recorder.
func (r *StoreRecorder) MarkProcessing(ctx context.Context, taskID string) error {
	return r.tasks.UpdateTaskStatus(ctx, taskID, store.TaskProcessing, "")
}

// RecordResult implements Recorder. A failed crawl is terminal here; a
// successful one keeps its processing status because the artifact step
// has not resolved yet, and status transitions never move backward. The
// scheduler records the completed transition once the artifact exists.
func (r *StoreRecorder) RecordResult(ctx context.Context, taskID string, result Result) error {
	status := store.TaskProcessing
	if !result.Success {
		status = store.TaskFailed
	}
	return r.tasks.SaveTaskResult(ctx, taskID, store.ResultUpdate{
		Status:         status,
		Title:          result.Title,
		Error:          result.Error,
		StatusCode:     result.StatusCode,
		ResponseTimeMs: result.ResponseTimeMs,
		Content:        result.Content,
	})
}

var _ Recorder = (*StoreRecorder)(nil)
