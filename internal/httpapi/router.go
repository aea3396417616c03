package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"edusync/internal/articlesync"
	"edusync/internal/errs"
	"edusync/internal/jobs/registry"
	"edusync/internal/jobs/scheduler"
	"edusync/internal/taskqueue"
	logx "edusync/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Deps are the components the API exposes. Queue and Scheduler may be nil.
type Deps struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Service
	Queue     *taskqueue.Queue
	Log       logx.Logger
}

type api struct {
	Deps
}

// NewRouter builds the chi router. token, when set, is required as a bearer
// token on /v1 and /debug routes. /healthz stays open.
func NewRouter(d Deps, token string, withPprof bool) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", a.enqueueJob)
			r.Get("/", a.listJobs)
			r.Get("/stats", a.jobStats)
			r.Delete("/completed", a.clearCompleted)
			r.Get("/{id}", a.getJob)
		})
		r.Route("/v1/scheduler", func(r chi.Router) {
			r.Get("/", a.schedulerSnapshot)
			r.Post("/run", a.runCycle)
		})
		r.Route("/v1/tasks", func(r chi.Router) {
			r.Post("/", a.submitTask)
			r.Get("/", a.listTasks)
			r.Get("/counts", a.taskCounts)
			r.Get("/{id}", a.taskStatus)
		})
		r.Post("/v1/articles/{id}/sync", a.syncArticle)

		if withPprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "jobs": a.Registry.Stats()}
	if a.Scheduler != nil {
		body["scheduler"] = a.Scheduler.Snapshot()
	}
	if a.Queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		counts, err := a.Queue.Counts(ctx)
		if err != nil {
			a.Log.Warn("health: task store unavailable", logx.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": "task store unavailable"})
			return
		}
		body["tasks"] = counts
		body["task_workers"] = a.Queue.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

type enqueueJobRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (a *api) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind := registry.Kind(strings.TrimSpace(req.Type))
	if kind == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown job type "+strconv.Quote(string(kind)))
		return
	}
	var data any
	if len(req.Data) > 0 && string(req.Data) != "null" {
		data = req.Data
	}
	id := a.Registry.Enqueue(kind, data)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(registry.StatusPending)})
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	var f registry.Filter
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := registry.ParseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		f.Status = &st
	}
	if k := strings.TrimSpace(r.URL.Query().Get("type")); k != "" {
		kind := registry.Kind(k)
		f.Kind = &kind
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": a.Registry.List(f)})
}

func (a *api) jobStats(w http.ResponseWriter, _ *http.Request) {
	s := a.Registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":   s.Pending,
		"running":   s.Running,
		"completed": s.Completed,
		"failed":    s.Failed,
		"total":     s.Total(),
	})
}

func (a *api) clearCompleted(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": a.Registry.ClearCompleted()})
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *api) schedulerSnapshot(w http.ResponseWriter, _ *http.Request) {
	if a.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, a.Scheduler.Snapshot())
}

func (a *api) runCycle(w http.ResponseWriter, r *http.Request) {
	if a.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	rep, err := a.Scheduler.RunOnce(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type submitTaskRequest struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Delay       string          `json:"delay,omitempty"`
	BackoffBase string          `json:"backoff_base,omitempty"`
}

func (a *api) submitTask(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}
	var req submitTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts, err := submitOptions(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	id, err := a.Queue.Submit(r.Context(), req.Name, payload, opts...)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": string(taskqueue.StateWaiting)})
}

func submitOptions(req submitTaskRequest) ([]taskqueue.SubmitOption, error) {
	var opts []taskqueue.SubmitOption
	if s := strings.TrimSpace(req.Delay); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return nil, errors.New("delay must be a non-negative duration")
		}
		opts = append(opts, taskqueue.WithDelay(d))
	}
	if s := strings.TrimSpace(req.BackoffBase); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, errors.New("backoff_base must be a positive duration")
		}
		opts = append(opts, taskqueue.WithPolicy(taskqueue.Policy{MaxAttempts: taskqueue.DefaultMaxAttempts, BackoffBase: d}))
	}
	return opts, nil
}

func (a *api) listTasks(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}
	var state taskqueue.State
	if s := r.URL.Query().Get("state"); s != "" {
		st, ok := taskqueue.ParseState(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(s))
			return
		}
		state = st
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	tasks, err := a.Queue.List(r.Context(), state, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (a *api) taskCounts(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}
	c, err := a.Queue.Counts(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) taskStatus(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}
	st, err := a.Queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type syncArticleRequest struct {
	SourceURL string `json:"source_url"`
	Revision  int64  `json:"revision,omitempty"`
}

func (a *api) syncArticle(w http.ResponseWriter, r *http.Request) {
	if a.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}
	var req syncArticleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := articlesync.Enqueue(r.Context(), a.Queue, articlesync.Payload{
		ArticleID: chi.URLParam(r, "id"),
		SourceURL: req.SourceURL,
		Revision:  req.Revision,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": string(taskqueue.StateWaiting)})
}

// fail maps domain errors to status codes. Unexpected errors are logged and
// reported without detail.
func (a *api) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, taskqueue.ErrInvalidTask), errors.Is(err, articlesync.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrSubmission):
		a.Log.Warn("submission failed", logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, "submission failed; retry later")
	default:
		a.Log.Error("request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
