package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreTaskLifecycle(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	task := TaskRecord{ID: "t1", URL: "https://example.com", Title: "Example"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if err := s.CreateTask(ctx, task); err == nil {
		t.Fatal("expected duplicate task error")
	}

	if err := s.UpdateTaskStatus(ctx, "t1", TaskProcessing, ""); err != nil {
		t.Fatalf("UpdateTaskStatus() error = %v", err)
	}
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != TaskProcessing {
		t.Fatalf("Status = %q, want processing", got.Status)
	}

	err = s.SaveTaskResult(ctx, "t1", ResultUpdate{
		Status:         TaskCompleted,
		Title:          "Fetched Title",
		StatusCode:     200,
		ResponseTimeMs: 42,
		Content:        "<p>content</p>",
	})
	if err != nil {
		t.Fatalf("SaveTaskResult() error = %v", err)
	}
	if err := s.SetTaskArtifact(ctx, "t1", "documents/t1.html"); err != nil {
		t.Fatalf("SetTaskArtifact() error = %v", err)
	}

	got, _ = s.GetTask(ctx, "t1")
	if got.Status != TaskCompleted || got.Title != "Fetched Title" ||
		got.StatusCode != 200 || got.ArtifactPath != "documents/t1.html" {
		t.Fatalf("unexpected final record: %+v", got)
	}

	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreSaveResultKeepsTitleWhenEmpty(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateTask(ctx, TaskRecord{ID: "t1", URL: "https://example.com", Title: "Submitted"})

	_ = s.SaveTaskResult(ctx, "t1", ResultUpdate{Status: TaskFailed, Error: "fetch failed"})
	got, _ := s.GetTask(ctx, "t1")
	if got.Title != "Submitted" {
		t.Fatalf("Title = %q, want submitted title preserved", got.Title)
	}
	if got.Error != "fetch failed" {
		t.Fatalf("Error = %q", got.Error)
	}
}

func TestMemoryStoreBatchLifecycle(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateBatch(ctx, BatchRecord{ID: "b1", Total: 2}); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	_ = s.CreateTask(ctx, TaskRecord{ID: "t1", BatchID: "b1", URL: "https://a.test"})
	_ = s.CreateTask(ctx, TaskRecord{ID: "t2", BatchID: "b1", URL: "https://b.test"})
	_ = s.CreateTask(ctx, TaskRecord{ID: "t3", URL: "https://solo.test"})

	tasks, err := s.ListBatchTasks(ctx, "b1")
	if err != nil {
		t.Fatalf("ListBatchTasks() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}

	if err := s.UpdateBatchStatus(ctx, "b1", BatchPartial, 1, 1); err != nil {
		t.Fatalf("UpdateBatchStatus() error = %v", err)
	}
	if err := s.SetBatchArtifact(ctx, "b1", "archives/b1.zip"); err != nil {
		t.Fatalf("SetBatchArtifact() error = %v", err)
	}

	batch, err := s.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if batch.Status != BatchPartial || batch.Completed != 1 || batch.Failed != 1 ||
		batch.ArtifactPath != "archives/b1.zip" {
		t.Fatalf("unexpected batch record: %+v", batch)
	}

	if _, err := s.GetBatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBatch(missing) error = %v, want ErrNotFound", err)
	}
}
