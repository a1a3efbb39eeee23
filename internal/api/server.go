// Package api exposes the HTTP interface for the capture service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/artifact"
	"github.com/pagevault/pagevault/internal/batch"
	"github.com/pagevault/pagevault/internal/crawl"
	"github.com/pagevault/pagevault/internal/store"
)

// Server wires HTTP handlers to the scheduler and stores. Submissions
// return ids immediately; processing runs on the server's base context
// so it survives the request.
type Server struct {
	router             chi.Router
	tasks              store.TaskStore
	scheduler          *batch.Scheduler
	artifacts          artifact.Store
	defaults           crawl.Settings
	defaultConcurrency int
	baseCtx            context.Context
	logger             *zap.Logger
}

// Config wires a Server.
type Config struct {
	Store              store.TaskStore
	Scheduler          *batch.Scheduler
	Artifacts          artifact.Store
	DefaultSettings    crawl.Settings
	DefaultConcurrency int
	RequestTimeout     time.Duration
	BaseContext        context.Context
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 5
	}
	s := &Server{
		tasks:              cfg.Store,
		scheduler:          cfg.Scheduler,
		artifacts:          cfg.Artifacts,
		defaults:           cfg.DefaultSettings,
		defaultConcurrency: cfg.DefaultConcurrency,
		baseCtx:            cfg.BaseContext,
		logger:             logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Route("/tasks/{task_id}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Get("/artifact", s.getTaskArtifact)
		})
		r.Post("/batches", s.submitBatch)
		r.Route("/batches/{batch_id}", func(r chi.Router) {
			r.Get("/", s.getBatch)
			r.Get("/artifact", s.getBatchArtifact)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type taskRequest struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	Mode           string `json:"mode"`
	TimeoutSeconds *int   `json:"timeout_seconds"`
	RespectRobots  *bool  `json:"respect_robots"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	settings, err := s.toSettings(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID := uuid.NewString()
	if err := s.tasks.CreateTask(r.Context(), store.TaskRecord{
		ID:     taskID,
		URL:    req.URL,
		Title:  req.Title,
		Status: store.TaskPending,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "create task failed")
		return
	}

	go s.scheduler.RunTask(s.baseCtx, batch.Submission{
		TaskID: taskID,
		Title:  req.Title,
		URL:    req.URL,
	}, settings)

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	parsed, rejected, err := batch.ParseTaskList(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(parsed) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "no valid tasks",
			"rejected": rejectedPayload(rejected),
		})
		return
	}

	settings, err := s.toSettings(taskRequest{
		Mode:          r.URL.Query().Get("mode"),
		RespectRobots: queryBool(r, "respect_robots"),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	concurrency := s.defaultConcurrency
	if v := r.URL.Query().Get("concurrency"); v != "" {
		n, convErr := parsePositiveInt(v)
		if convErr != nil {
			writeError(w, http.StatusBadRequest, "invalid concurrency")
			return
		}
		concurrency = n
	}

	batchID, subs, err := s.scheduler.CreateBatch(r.Context(), parsed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create batch failed")
		return
	}

	go s.scheduler.RunBatch(s.baseCtx, batchID, subs, concurrency, settings)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batchID,
		"accepted": len(subs),
		"rejected": rejectedPayload(rejected),
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskPayload(task))
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	b, err := s.tasks.GetBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	tasks, err := s.tasks.ListBatchTasks(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list batch tasks failed")
		return
	}
	taskViews := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		taskViews = append(taskViews, taskPayload(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":           b.ID,
		"status":             b.Status,
		"total":              b.Total,
		"completed":          b.Completed,
		"failed":             b.Failed,
		"artifact_available": b.ArtifactPath != "",
		"created_at":         b.CreatedAt,
		"updated_at":         b.UpdatedAt,
		"tasks":              taskViews,
	})
}

func (s *Server) getTaskArtifact(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.streamArtifact(w, r, task.ArtifactPath, "text/html; charset=utf-8")
}

func (s *Server) getBatchArtifact(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	b, err := s.tasks.GetBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.streamArtifact(w, r, b.ArtifactPath, "application/zip")
}

func (s *Server) streamArtifact(w http.ResponseWriter, r *http.Request, name, contentType string) {
	if name == "" {
		writeError(w, http.StatusNotFound, "artifact not produced yet")
		return
	}
	rc, err := s.artifacts.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "open artifact failed")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream artifact failed", zap.String("artifact", name), zap.Error(err))
	}
}

func (s *Server) toSettings(req taskRequest) (crawl.Settings, error) {
	settings := s.defaults
	switch req.Mode {
	case "":
	case string(crawl.ModeHTTP):
		settings.Mode = crawl.ModeHTTP
	case string(crawl.ModeBrowser):
		settings.Mode = crawl.ModeBrowser
	default:
		return crawl.Settings{}, errors.New("mode must be \"http\" or \"browser\"")
	}
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			return crawl.Settings{}, errors.New("timeout_seconds must be positive")
		}
		settings.Timeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}
	settings.RespectRobots = boolOrDefault(req.RespectRobots, settings.RespectRobots)
	return settings, nil
}

func taskPayload(task store.TaskRecord) map[string]any {
	return map[string]any{
		"task_id":            task.ID,
		"batch_id":           task.BatchID,
		"url":                task.URL,
		"title":              task.Title,
		"status":             task.Status,
		"error":              task.Error,
		"status_code":        task.StatusCode,
		"response_time_ms":   task.ResponseTimeMs,
		"artifact_available": task.ArtifactPath != "",
		"created_at":         task.CreatedAt,
		"updated_at":         task.UpdatedAt,
	}
}

func rejectedPayload(rejected []batch.RejectedLine) []map[string]any {
	out := make([]map[string]any, 0, len(rejected))
	for _, rej := range rejected {
		out = append(out, map[string]any{
			"line":   rej.Line,
			"raw":    rej.Raw,
			"reason": rej.Reason,
		})
	}
	return out
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}

func queryBool(r *http.Request, key string) *bool {
	switch r.URL.Query().Get(key) {
	case "true", "1":
		v := true
		return &v
	case "false", "0":
		v := false
		return &v
	default:
		return nil
	}
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
