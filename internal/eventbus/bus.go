package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types published by the job registry, the job scheduler and
// the durable task queue.
const (
	JobEnqueued  = "job.enqueued"
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobsCleared  = "job.cleared"

	CycleStarted  = "scheduler.cycle_started"
	CycleFinished = "scheduler.cycle_finished"
	CycleSkipped  = "scheduler.cycle_skipped"

	TaskSubmitted = "task.submitted"
	TaskStarted   = "task.started"
	TaskProgress  = "task.progress"
	TaskRetrying  = "task.retrying"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Attempt  int           `json:"attempt"`
	Progress int           `json:"progress"`
	Delay    time.Duration `json:"delay,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]subscription{}}
}

type subscription struct {
	ch     chan Event
	prefix string
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]subscription
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.prefix != "" && !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		// A concurrent unsubscribe may close the channel; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, "")
}

func (b *memBus) subscribe(buffer int, prefix string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscription{ch: ch, prefix: prefix}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// SubscribePrefix subscribes to events whose Type starts with prefix
// (e.g. "job." or "task."). Buses that don't support filtering fall back to
// a plain subscription.
func SubscribePrefix(b Bus, buffer int, prefix string) (<-chan Event, func()) {
	if mb, ok := b.(*memBus); ok {
		return mb.subscribe(buffer, prefix)
	}
	return b.Subscribe(buffer)
}

// Publish is a nil-safe helper used by services with an optional bus.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
