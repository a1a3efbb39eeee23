package batch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/artifact"
	"github.com/pagevault/pagevault/internal/crawl"
	"github.com/pagevault/pagevault/internal/metrics"
	"github.com/pagevault/pagevault/internal/store"
)

// hardCap is the ceiling on concurrent in-flight tasks regardless of the
// requested limit.
const hardCap = 10

// Crawler is the single-URL operation the scheduler fans out over.
type Crawler interface {
	Crawl(ctx context.Context, req crawl.Request) crawl.Result
}

// Scheduler runs batches of capture tasks with bounded concurrency and
// partial-failure semantics: task failures never abort a batch, and only
// a packaging failure can demote an otherwise-successful one.
type Scheduler struct {
	crawler  Crawler
	renderer artifact.Renderer
	archiver Archiver
	tasks    store.TaskStore
	settings crawl.Settings
	logger   *zap.Logger
}

// Archiver is the packaging seam; *artifact.Archiver satisfies it.
type Archiver interface {
	Package(ctx context.Context, batchID string, entries []artifact.Entry) (string, error)
}

// Config wires a Scheduler.
type Config struct {
	Crawler         Crawler
	Renderer        artifact.Renderer
	Archiver        Archiver
	Store           store.TaskStore
	DefaultSettings crawl.Settings
}

// NewScheduler builds a Scheduler.
func NewScheduler(cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		crawler:  cfg.Crawler,
		renderer: cfg.Renderer,
		archiver: cfg.Archiver,
		tasks:    cfg.Store,
		settings: cfg.DefaultSettings,
		logger:   logger,
	}
}

// Submission is one admitted task of a batch.
type Submission struct {
	TaskID string
	Title  string
	URL    string
}

// CreateBatch persists a new batch and its tasks, returning the batch id
// and the per-task submissions.
func (s *Scheduler) CreateBatch(ctx context.Context, parsed []ParsedTask) (string, []Submission, error) {
	batchID := uuid.NewString()
	if err := s.tasks.CreateBatch(ctx, store.BatchRecord{
		ID:     batchID,
		Status: store.BatchPending,
		Total:  len(parsed),
	}); err != nil {
		return "", nil, fmt.Errorf("create batch: %w", err)
	}

	subs := make([]Submission, 0, len(parsed))
	for _, task := range parsed {
		sub := Submission{TaskID: uuid.NewString(), Title: task.Title, URL: task.URL}
		if err := s.tasks.CreateTask(ctx, store.TaskRecord{
			ID:      sub.TaskID,
			BatchID: batchID,
			URL:     sub.URL,
			Title:   sub.Title,
			Status:  store.TaskPending,
		}); err != nil {
			return "", nil, fmt.Errorf("create task: %w", err)
		}
		subs = append(subs, sub)
	}
	return batchID, subs, nil
}

// RunBatch executes every submission with at most limit in flight and
// drives the batch to its terminal state, packaging artifacts when any
// task succeeded.
func (s *Scheduler) RunBatch(ctx context.Context, batchID string, subs []Submission, limit int, settings crawl.Settings) {
	log := s.logger.With(zap.String("batch_id", batchID))
	if limit <= 0 || limit > hardCap {
		limit = hardCap
	}
	s.recordBatch(ctx, log, batchID, store.BatchProcessing, 0, 0)

	type outcome struct {
		sub      Submission
		result   crawl.Result
		artifact string
	}

	sem := make(chan struct{}, limit)
	results := make(chan outcome, len(subs))
	for _, sub := range subs {
		sub := sub
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			res := s.runOne(ctx, sub, settings)
			results <- outcome{sub: sub, result: res.result, artifact: res.artifact}
		}()
	}

	var (
		completed, failed int
		entries           []artifact.Entry
	)
	for range subs {
		out := <-results
		if out.result.Success {
			completed++
			if out.artifact != "" {
				entries = append(entries, artifact.Entry{Title: out.sub.Title, Name: out.artifact})
			}
		} else {
			failed++
		}
		// Progress is visible to status queries while the batch runs.
		s.recordBatch(ctx, log, batchID, store.BatchProcessing, completed, failed)
	}

	status := terminalStatus(completed, failed)
	if status != store.BatchFailed && len(entries) > 0 {
		archiveName, err := s.archiver.Package(ctx, batchID, entries)
		if err != nil {
			// Packaging failure demotes the whole batch.
			log.Error("batch packaging failed", zap.Error(err))
			status = store.BatchFailed
		} else if err := s.tasks.SetBatchArtifact(ctx, batchID, archiveName); err != nil {
			log.Warn("record batch artifact failed", zap.Error(err))
		}
	}
	s.recordBatch(ctx, log, batchID, status, completed, failed)
	metrics.BatchesTotal.WithLabelValues(string(status)).Inc()
	log.Info("batch finished",
		zap.String("status", string(status)),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
	)
}

// RunTask executes a single ungrouped submission.
func (s *Scheduler) RunTask(ctx context.Context, sub Submission, settings crawl.Settings) {
	s.runOne(ctx, sub, settings)
}

type taskOutcome struct {
	result   crawl.Result
	artifact string
}

func (s *Scheduler) runOne(ctx context.Context, sub Submission, settings crawl.Settings) taskOutcome {
	log := s.logger.With(zap.String("task_id", sub.TaskID), zap.String("url", sub.URL))
	if settings == (crawl.Settings{}) {
		settings = s.settings
	}

	result := s.crawler.Crawl(ctx, crawl.Request{
		TaskID:   sub.TaskID,
		URL:      sub.URL,
		Settings: settings,
	})
	if !result.Success {
		return taskOutcome{result: result}
	}

	title := result.Title
	if title == "" {
		title = sub.Title
	}
	name, err := s.renderer.Render(ctx, title, result.Content, sub.URL)
	if err != nil {
		// A capture without an artifact is a failed task.
		log.Warn("render artifact failed", zap.Error(err))
		result.Success = false
		result.Error = fmt.Sprintf("render artifact: %v", err)
		if updErr := s.tasks.UpdateTaskStatus(ctx, sub.TaskID, store.TaskFailed, result.Error); updErr != nil {
			log.Warn("record task failure failed", zap.Error(updErr))
		}
		return taskOutcome{result: result}
	}
	if err := s.tasks.SetTaskArtifact(ctx, sub.TaskID, name); err != nil {
		log.Warn("record task artifact failed", zap.Error(err))
	}
	// Completed is recorded only now, with the artifact in place, so the
	// status never has to move backward.
	if err := s.tasks.UpdateTaskStatus(ctx, sub.TaskID, store.TaskCompleted, ""); err != nil {
		log.Warn("record task completion failed", zap.Error(err))
	}
	return taskOutcome{result: result, artifact: name}
}

func (s *Scheduler) recordBatch(ctx context.Context, log *zap.Logger, batchID string, status store.BatchStatus, completed, failed int) {
	if err := s.tasks.UpdateBatchStatus(ctx, batchID, status, completed, failed); err != nil {
		log.Warn("update batch status failed", zap.Error(err))
	}
}

func terminalStatus(completed, failed int) store.BatchStatus {
	switch {
	case failed == 0 && completed > 0:
		return store.BatchCompleted
	case completed > 0:
		return store.BatchPartial
	default:
		return store.BatchFailed
	}
}
