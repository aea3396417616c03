package taskqueue

import (
	"context"
	"encoding/json"
	"time"
)

// State is the lifecycle state of a durable task.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) IsTerminal() bool { return s == StateCompleted || s == StateFailed }

// ParseState accepts the lowercase state names.
func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case StateWaiting, StateActive, StateCompleted, StateFailed:
		return st, true
	}
	return "", false
}

// Attempt records one failed execution.
type Attempt struct {
	Number     int           `json:"number"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Error      string        `json:"error"`
	Delay      time.Duration `json:"delay,omitempty"` // scheduled before the next attempt; 0 when terminal
}

// Task is a unit of durable work as persisted by a Store.
type Task struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	State   State           `json:"state"`

	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`

	Attempts    int           `json:"attempts"` // attempts started
	MaxAttempts int           `json:"max_attempts"`
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffMax  time.Duration `json:"backoff_max,omitempty"`

	RunAt     time.Time `json:"run_at"`
	LastError string    `json:"last_error,omitempty"`
	History   []Attempt `json:"history,omitempty"`

	LeaseUntil *time.Time `json:"lease_until,omitempty"`
	WorkerID   string     `json:"worker_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Policy returns the retry policy the task was submitted with.
func (t *Task) Policy() Policy {
	return Policy{MaxAttempts: t.MaxAttempts, BackoffBase: t.BackoffBase, BackoffMax: t.BackoffMax}.withDefaults()
}

// Lease identifies the attempt a worker currently holds.
type Lease struct {
	TaskID   string
	WorkerID string
	Attempt  int
}

// Lease is the fence for writes made by the worker that claimed t.
func (t *Task) Lease() Lease {
	return Lease{TaskID: t.ID, WorkerID: t.WorkerID, Attempt: t.Attempts}
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload, v)
}

// Status is the view a poller gets.
type Status struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	State       State           `json:"state"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       string          `json:"error,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func statusOf(t *Task) Status {
	return Status{
		ID:          t.ID,
		Name:        t.Name,
		State:       t.State,
		Progress:    t.Progress,
		Result:      t.Result,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		Error:       t.LastError,
		RunAt:       t.RunAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// Counts is the number of tasks per state.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ProgressFunc reports completion percentage (clamped to 0..100).
type ProgressFunc func(pct int) error

// WorkFunc executes one attempt of a named task. A non-nil result is
// JSON-encoded into Task.Result.
type WorkFunc func(ctx context.Context, t *Task, progress ProgressFunc) (any, error)

// Store is the durable substrate behind the queue.
//
// Implementations must make Claim exclusive: a waiting task is handed to at
// most one caller. Unknown ids return an error wrapping errs.ErrNotFound.
//
// Progress, Complete, Retry and Fail apply only while the task is active under
// the given lease. Once the lease was requeued or reclaimed they return an
// error wrapping errs.ErrLeaseLost and leave the task untouched.
type Store interface {
	Enqueue(ctx context.Context, t *Task) error
	// Claim flips the oldest waiting task with RunAt <= now to active, bumps
	// Attempts and leases it to workerID. It returns nil, nil when idle.
	Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*Task, error)
	// Progress records pct and extends the lease to leaseUntil.
	Progress(ctx context.Context, l Lease, pct int, leaseUntil time.Time) error
	Complete(ctx context.Context, l Lease, result json.RawMessage, at time.Time) error
	// Retry puts an active task back to waiting until runAt and records the failed attempt.
	Retry(ctx context.Context, l Lease, runAt time.Time, a Attempt) error
	// Fail makes the task terminally failed and records the last attempt.
	Fail(ctx context.Context, l Lease, a Attempt) error
	Get(ctx context.Context, id string) (*Task, error)
	// List returns tasks newest first; an empty state matches all, limit <= 0 means no limit.
	List(ctx context.Context, state State, limit int) ([]*Task, error)
	Counts(ctx context.Context) (Counts, error)
	// PurgeFinished deletes completed and failed tasks finished before the cutoff.
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
	// RequeueExpired returns active tasks whose lease ended before now to
	// waiting, or fails them when no attempts remain.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// ExpiredLeaseError is the LastError of a task whose final attempt lost its lease.
const ExpiredLeaseError = "lease expired before the attempt finished"
