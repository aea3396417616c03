package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"edusync/internal/errs"
	"edusync/internal/eventbus"
)

// ErrNotFound is returned by Get for unknown or cleared ids.
var ErrNotFound = fmt.Errorf("job %w", errs.ErrNotFound)

// Registry is the in-memory job store plus the kind -> handler table.
//
// All methods are safe for concurrent use, including calls made from inside a
// running handler.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*entry
	handlers map[Kind]Handler
	seq      uint64

	now   func() time.Time
	newID func() string
	bus   eventbus.Bus
}

type entry struct {
	job Job
	seq uint64
}

type Option func(*Registry)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDFunc overrides id generation (tests).
func WithIDFunc(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithBus publishes job lifecycle events.
func WithBus(b eventbus.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:     make(map[string]*entry),
		handlers: make(map[Kind]Handler),
		now:      time.Now,
		newID:    newJobID,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// newJobID returns a UUIDv7: time-ordered, unique for the process lifetime.
func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Enqueue records a pending job and returns its id. It never blocks and never
// fails: a payload that cannot be encoded makes the job fail at dispatch.
func (r *Registry) Enqueue(kind Kind, data any) string {
	var (
		raw     json.RawMessage
		dataErr string
	)
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = append(json.RawMessage(nil), v...)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			dataErr = fmt.Sprintf("encode job data: %v", err)
		} else {
			raw = b
		}
	}

	r.mu.Lock()
	id := r.newID()
	r.seq++
	r.jobs[id] = &entry{
		seq: r.seq,
		job: Job{
			ID:        id,
			Kind:      kind,
			Status:    StatusPending,
			Data:      raw,
			CreatedAt: r.now(),
			dataErr:   dataErr,
		},
	}
	r.mu.Unlock()

	eventbus.Publish(r.bus, eventbus.JobEnqueued, eventbus.JobEvent{ID: id, Kind: string(kind), Status: string(StatusPending)})
	return id
}

// RegisterHandler binds h to kind, replacing any previous binding.
// A nil handler removes the binding.
func (r *Registry) RegisterHandler(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = h
}

// Handler returns the handler bound to kind.
func (r *Registry) Handler(kind Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.job.clone(), nil
}

// List returns the jobs matching f, newest created first.
func (r *Registry) List(f Filter) []Job {
	r.mu.RLock()
	matched := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		if f.match(&e.job) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.After(b.job.CreatedAt)
		}
		return a.seq > b.seq
	})
	out := make([]Job, len(matched))
	for i, e := range matched {
		out[i] = e.job.clone()
	}
	r.mu.RUnlock()
	return out
}

// Pending returns pending jobs oldest first, the order the scheduler dispatches in.
func (r *Registry) Pending() []Job {
	r.mu.RLock()
	pending := make([]*entry, 0)
	for _, e := range r.jobs {
		if e.job.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.Before(b.job.CreatedAt)
		}
		return a.seq < b.seq
	})
	out := make([]Job, len(pending))
	for i, e := range pending {
		out[i] = e.job.clone()
	}
	r.mu.RUnlock()
	return out
}

// Stats counts jobs per status at call time.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var st Stats
	for _, e := range r.jobs {
		switch e.job.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

// ClearCompleted removes every completed or failed job and returns how many
// were removed. Pending and running jobs are untouched.
func (r *Registry) ClearCompleted() int {
	r.mu.Lock()
	n := 0
	for id, e := range r.jobs {
		if e.job.Status.IsTerminal() {
			delete(r.jobs, id)
			n++
		}
	}
	r.mu.Unlock()

	if n > 0 {
		eventbus.Publish(r.bus, eventbus.JobsCleared, n)
	}
	return n
}

// Start moves a pending job to running.
func (r *Registry) Start(id string, at time.Time) (Job, error) {
	return r.transition(id, eventbus.JobStarted, func(j *Job) error {
		if j.Status != StatusPending {
			return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, j.Status, StatusRunning)
		}
		j.Status = StatusRunning
		j.StartedAt = &at
		return nil
	})
}

// Complete moves a running job to completed and stores its encoded result.
func (r *Registry) Complete(id string, result json.RawMessage, at time.Time) (Job, error) {
	return r.transition(id, eventbus.JobCompleted, func(j *Job) error {
		if j.Status != StatusRunning {
			return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, j.Status, StatusCompleted)
		}
		j.Status = StatusCompleted
		j.Result = result
		j.CompletedAt = &at
		return nil
	})
}

// Fail moves a pending or running job to failed. Failing straight from pending
// is reserved for jobs that can never run (no handler, bad payload).
func (r *Registry) Fail(id string, msg string, at time.Time) (Job, error) {
	return r.transition(id, eventbus.JobFailed, func(j *Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, j.Status, StatusFailed)
		}
		j.Status = StatusFailed
		j.Error = msg
		j.CompletedAt = &at
		return nil
	})
}

// PayloadError reports why a job's payload could not be encoded at enqueue time.
func (r *Registry) PayloadError(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.jobs[id]; ok {
		return e.job.dataErr
	}
	return ""
}

func (r *Registry) transition(id, event string, fn func(j *Job) error) (Job, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(&e.job); err != nil {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	j := e.job.clone()
	r.mu.Unlock()

	eventbus.Publish(r.bus, event, eventbus.JobEvent{ID: j.ID, Kind: string(j.Kind), Status: string(j.Status), Error: j.Error})
	return j, nil
}
