package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/artifact"
	"github.com/pagevault/pagevault/internal/crawl"
	"github.com/pagevault/pagevault/internal/fetch"
	"github.com/pagevault/pagevault/internal/store"
)

type fakeCrawler struct {
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	failURLs    map[string]bool
	delay       time.Duration
}

func (c *fakeCrawler) Crawl(_ context.Context, req crawl.Request) crawl.Result {
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		prev := c.maxInFlight.Load()
		if cur <= prev || c.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.failURLs[req.URL] {
		return crawl.Result{Error: "fetch failed: boom"}
	}
	return crawl.Result{
		Success: true,
		Title:   "Title of " + req.URL,
		Content: "<p>content</p>",
	}
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRenderer) Render(_ context.Context, _, _, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("documents/%d.html", r.calls), nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	batches []string
	entries int
	err     error
}

func (a *fakeArchiver) Package(_ context.Context, batchID string, entries []artifact.Entry) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.batches = append(a.batches, batchID)
	a.entries = len(entries)
	return "archives/" + batchID + ".zip", nil
}

func newTestScheduler(crawler Crawler, renderer artifact.Renderer, archiver Archiver, s store.TaskStore) *Scheduler {
	return NewScheduler(Config{
		Crawler:  crawler,
		Renderer: renderer,
		Archiver: archiver,
		Store:    s,
	}, zap.NewNop())
}

func makeBatch(t *testing.T, s *Scheduler, n int) (string, []Submission) {
	t.Helper()
	parsed := make([]ParsedTask, 0, n)
	for i := 0; i < n; i++ {
		parsed = append(parsed, ParsedTask{
			Title: fmt.Sprintf("Task %d", i),
			URL:   fmt.Sprintf("https://example.test/%d", i),
		})
	}
	batchID, subs, err := s.CreateBatch(context.Background(), parsed)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	return batchID, subs
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{delay: 30 * time.Millisecond}
	st := store.NewMemoryStore()
	sched := newTestScheduler(crawler, &fakeRenderer{}, &fakeArchiver{}, st)
	batchID, subs := makeBatch(t, sched, 6)

	sched.RunBatch(context.Background(), batchID, subs, 2, crawl.Settings{})

	if max := crawler.maxInFlight.Load(); max > 2 {
		t.Fatalf("max in-flight = %d, want <= 2", max)
	}
	b, err := st.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if b.Status != store.BatchCompleted || b.Completed != 6 || b.Failed != 0 {
		t.Fatalf("batch = %+v, want completed 6/0", b)
	}
	if b.ArtifactPath == "" {
		t.Fatal("expected batch artifact to be recorded")
	}
}

func TestRunBatchPartialFailure(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{failURLs: map[string]bool{
		"https://example.test/1": true,
		"https://example.test/3": true,
	}}
	st := store.NewMemoryStore()
	archiver := &fakeArchiver{}
	sched := newTestScheduler(crawler, &fakeRenderer{}, archiver, st)
	batchID, subs := makeBatch(t, sched, 5)

	sched.RunBatch(context.Background(), batchID, subs, 3, crawl.Settings{})

	b, _ := st.GetBatch(context.Background(), batchID)
	if b.Status != store.BatchPartial || b.Completed != 3 || b.Failed != 2 {
		t.Fatalf("batch = %+v, want partial 3/2", b)
	}
	// Only successful tasks are packaged.
	if archiver.entries != 3 {
		t.Fatalf("archived %d entries, want 3", archiver.entries)
	}
}

func TestRunBatchAllFailedSkipsPackaging(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{failURLs: map[string]bool{
		"https://example.test/0": true,
		"https://example.test/1": true,
	}}
	st := store.NewMemoryStore()
	archiver := &fakeArchiver{}
	sched := newTestScheduler(crawler, &fakeRenderer{}, archiver, st)
	batchID, subs := makeBatch(t, sched, 2)

	sched.RunBatch(context.Background(), batchID, subs, 2, crawl.Settings{})

	b, _ := st.GetBatch(context.Background(), batchID)
	if b.Status != store.BatchFailed {
		t.Fatalf("batch status = %q, want failed", b.Status)
	}
	if len(archiver.batches) != 0 {
		t.Fatal("fully failed batch must not be packaged")
	}
}

func TestRunBatchPackagingFailureDemotes(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{}
	st := store.NewMemoryStore()
	archiver := &fakeArchiver{err: errors.New("zip write failed")}
	sched := newTestScheduler(crawler, &fakeRenderer{}, archiver, st)
	batchID, subs := makeBatch(t, sched, 3)

	sched.RunBatch(context.Background(), batchID, subs, 3, crawl.Settings{})

	b, _ := st.GetBatch(context.Background(), batchID)
	if b.Status != store.BatchFailed {
		t.Fatalf("batch status = %q, want failed after packaging error", b.Status)
	}
	// The per-task counters still reflect the crawl outcomes.
	if b.Completed != 3 || b.Failed != 0 {
		t.Fatalf("counters = %d/%d, want 3/0", b.Completed, b.Failed)
	}
}

func TestRunBatchRenderFailureFailsTask(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{}
	st := store.NewMemoryStore()
	renderer := &fakeRenderer{err: errors.New("template exploded")}
	sched := newTestScheduler(crawler, renderer, &fakeArchiver{}, st)
	batchID, subs := makeBatch(t, sched, 2)

	sched.RunBatch(context.Background(), batchID, subs, 2, crawl.Settings{})

	b, _ := st.GetBatch(context.Background(), batchID)
	if b.Status != store.BatchFailed || b.Failed != 2 {
		t.Fatalf("batch = %+v, want all tasks failed on render errors", b)
	}
	task, err := st.GetTask(context.Background(), subs[0].TaskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if task.Status != store.TaskFailed || !strings.Contains(task.Error, "render artifact") {
		t.Fatalf("task = %+v, want render failure recorded", task)
	}
}

func TestRunBatchHardCap(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{delay: 10 * time.Millisecond}
	st := store.NewMemoryStore()
	sched := newTestScheduler(crawler, &fakeRenderer{}, &fakeArchiver{}, st)
	batchID, subs := makeBatch(t, sched, 25)

	// A limit above the hard cap is clamped.
	sched.RunBatch(context.Background(), batchID, subs, 50, crawl.Settings{})
	if max := crawler.maxInFlight.Load(); max > 10 {
		t.Fatalf("max in-flight = %d, want <= 10", max)
	}
}

const capturedPage = `<html><head><title>Doc</title></head><body><article><p>
The quick brown fox jumps over the lazy dog while the five boxing wizards
jump quickly beside the river bank, and the story keeps going for a while
so there is comfortably more than enough prose to keep for the archive.
</p></article></body></html>`

type stubFetcher struct{}

func (stubFetcher) Fetch(context.Context, string, fetch.Options) (fetch.RawResult, error) {
	return fetch.RawResult{
		HTML:       []byte(capturedPage),
		StatusCode: 200,
		Duration:   time.Millisecond,
	}, nil
}

// statusHistoryStore records every status written for each task so
// tests can assert on transition order.
type statusHistoryStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	history map[string][]store.TaskStatus
}

func newStatusHistoryStore() *statusHistoryStore {
	return &statusHistoryStore{
		MemoryStore: store.NewMemoryStore(),
		history:     make(map[string][]store.TaskStatus),
	}
}

func (s *statusHistoryStore) record(taskID string, status store.TaskStatus) {
	s.mu.Lock()
	s.history[taskID] = append(s.history[taskID], status)
	s.mu.Unlock()
}

func (s *statusHistoryStore) UpdateTaskStatus(ctx context.Context, taskID string, status store.TaskStatus, errText string) error {
	s.record(taskID, status)
	return s.MemoryStore.UpdateTaskStatus(ctx, taskID, status, errText)
}

func (s *statusHistoryStore) SaveTaskResult(ctx context.Context, taskID string, update store.ResultUpdate) error {
	s.record(taskID, update.Status)
	return s.MemoryStore.SaveTaskResult(ctx, taskID, update)
}

func TestTaskStatusNeverMovesBackward(t *testing.T) {
	t.Parallel()

	for name, renderer := range map[string]artifact.Renderer{
		"render succeeds": &fakeRenderer{},
		"render fails":    &fakeRenderer{err: errors.New("template exploded")},
	} {
		renderer := renderer
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			st := newStatusHistoryStore()
			crawler := crawl.New(crawl.Config{
				HTTPFetcher: stubFetcher{},
				Recorder:    crawl.NewStoreRecorder(st),
			}, zap.NewNop())
			sched := newTestScheduler(crawler, renderer, &fakeArchiver{}, st)
			batchID, subs := makeBatch(t, sched, 1)

			sched.RunBatch(context.Background(), batchID, subs, 1, crawl.Settings{})

			task, err := st.GetTask(context.Background(), subs[0].TaskID)
			if err != nil {
				t.Fatalf("GetTask() error = %v", err)
			}
			if task.Status != store.TaskCompleted && task.Status != store.TaskFailed {
				t.Fatalf("task not terminal: %+v", task)
			}

			rank := map[store.TaskStatus]int{
				store.TaskPending:    0,
				store.TaskProcessing: 1,
				store.TaskCompleted:  2,
				store.TaskFailed:     2,
			}
			hist := st.history[subs[0].TaskID]
			if len(hist) == 0 {
				t.Fatal("no status transitions recorded")
			}
			for i := 1; i < len(hist); i++ {
				if rank[hist[i-1]] == 2 {
					t.Fatalf("status written after terminal state: %v", hist)
				}
				if rank[hist[i]] < rank[hist[i-1]] {
					t.Fatalf("status moved backward: %v", hist)
				}
			}
		})
	}
}

func TestRunTaskRecordsArtifact(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	sched := newTestScheduler(&fakeCrawler{}, &fakeRenderer{}, &fakeArchiver{}, st)
	_ = st.CreateTask(context.Background(), store.TaskRecord{ID: "t1", URL: "https://example.test/0"})

	sched.RunTask(context.Background(), Submission{TaskID: "t1", URL: "https://example.test/0"}, crawl.Settings{})

	task, err := st.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if task.ArtifactPath == "" {
		t.Fatal("expected artifact path on single task")
	}
	if task.Status != store.TaskCompleted {
		t.Fatalf("task status = %q, want completed once the artifact exists", task.Status)
	}
}
