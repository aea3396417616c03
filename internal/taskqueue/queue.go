package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"edusync/internal/errs"
	"edusync/internal/eventbus"
	"edusync/internal/runtime/supervisor"
	logx "edusync/pkg/logx"
)

const tracerName = "edusync/internal/taskqueue"

// Config controls the worker side of the queue.
type Config struct {
	Workers        int
	PollInterval   time.Duration // idle sleep between claims (default 500ms)
	Lease          time.Duration // how long a claim is exclusive (default 5m)
	ClaimRate      float64       // claims per second across workers; 0 = unlimited
	ClaimBurst     int
	AttemptTimeout time.Duration // 0 = none
	Retention      time.Duration // finished tasks older than this are purged; 0 = keep
	ReapInterval   time.Duration // lease recovery and purge period (default 30s)
	Policy         Policy
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.ClaimBurst <= 0 {
		c.ClaimBurst = 1
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	c.Policy = c.Policy.withDefaults()
	return c
}

// Queue is the producer and worker pool of the durable task queue.
type Queue struct {
	store  Store
	log    logx.Logger
	bus    eventbus.Bus
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string

	mu       sync.RWMutex
	cfg      Config
	handlers map[string]WorkFunc
	limiter  *rate.Limiter

	lmu sync.Mutex
	sup *supervisor.Supervisor
}

type Option func(*Queue)

func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) {
		if t != nil {
			q.tracer = t
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(store Store, cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		store:    store,
		log:      log,
		bus:      bus,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		newID:    newTaskID,
		cfg:      cfg,
		handlers: make(map[string]WorkFunc),
		limiter:  newLimiter(cfg),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.ClaimRate <= 0 {
		return rate.NewLimiter(rate.Inf, cfg.ClaimBurst)
	}
	return rate.NewLimiter(rate.Limit(cfg.ClaimRate), cfg.ClaimBurst)
}

func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Register binds fn to name, replacing any previous binding.
func (q *Queue) Register(name string, fn WorkFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fn == nil {
		delete(q.handlers, name)
		return
	}
	q.handlers[name] = fn
}

func (q *Queue) handler(name string) (WorkFunc, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	fn, ok := q.handlers[name]
	return fn, ok
}

func (q *Queue) config() Config {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg
}

// Apply swaps the runtime knobs. The worker count only changes on the next Start.
func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	q.cfg = cfg
	if cfg.ClaimRate <= 0 {
		q.limiter.SetLimit(rate.Inf)
	} else {
		q.limiter.SetLimit(rate.Limit(cfg.ClaimRate))
	}
	q.limiter.SetBurst(cfg.ClaimBurst)
	q.mu.Unlock()
}

type submitOptions struct {
	policy *Policy
	delay  time.Duration
}

type SubmitOption func(*submitOptions)

// WithPolicy overrides the queue's default retry policy for one task.
func WithPolicy(p Policy) SubmitOption {
	return func(o *submitOptions) { o.policy = &p }
}

// WithDelay makes the task eligible only after d.
func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// Submit persists a waiting task and returns its id. The task is durable once
// Submit returns nil; any substrate error wraps errs.ErrSubmission.
func (q *Queue) Submit(ctx context.Context, name string, payload any, opts ...SubmitOption) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidTask)
	}
	var so submitOptions
	for _, o := range opts {
		o(&so)
	}

	var raw json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		if len(v) > 0 && !json.Valid(v) {
			return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidTask)
		}
		raw = append(json.RawMessage(nil), v...)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: encode payload: %v", ErrInvalidTask, err)
		}
		raw = b
	}

	p := q.config().Policy
	if so.policy != nil {
		p = so.policy.withDefaults()
	}
	now := q.now().UTC()
	t := &Task{
		ID:          q.newID(),
		Name:        name,
		Payload:     raw,
		State:       StateWaiting,
		MaxAttempts: p.MaxAttempts,
		BackoffBase: p.BackoffBase,
		BackoffMax:  p.BackoffMax,
		RunAt:       now.Add(so.delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Enqueue(ctx, t); err != nil {
		q.log.Warn("task submission failed", logx.String("task", name), logx.Err(err))
		return "", fmt.Errorf("%w: %w", errs.ErrSubmission, err)
	}

	eventbus.Publish(q.bus, eventbus.TaskSubmitted, eventbus.TaskEvent{ID: t.ID, Name: name, State: string(StateWaiting)})
	q.log.Debug("task submitted", logx.TaskID(t.ID), logx.String("task", name), logx.Duration("delay", so.delay))
	return t.ID, nil
}

// Status returns the poller view of a task. Unknown or purged ids wrap errs.ErrNotFound.
func (q *Queue) Status(ctx context.Context, id string) (Status, error) {
	t, err := q.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return statusOf(t), nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) List(ctx context.Context, state State, limit int) ([]*Task, error) {
	return q.store.List(ctx, state, limit)
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	return q.store.Counts(ctx)
}
