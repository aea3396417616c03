// Package supervisor runs named goroutines under one cancelable context with
// panic recovery, optional restart with backoff and bounded shutdown.
//
// The app, the task queue worker pool and the HTTP server each own one.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "edusync/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	firstErr error
	routines map[string]*RoutineStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		routines: make(map[string]*RoutineStats),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded failure, nil if none.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// RoutineStats aggregates every run of one name.
type RoutineStats struct {
	Name      string        `json:"name"`
	Running   bool          `json:"running"`
	Runs      uint64        `json:"runs"`
	Restarts  uint64        `json:"restarts"`
	Panics    uint64        `json:"panics"`
	LastStart time.Time     `json:"last_start"`
	LastStop  time.Time     `json:"last_stop,omitempty"`
	LastRun   time.Duration `json:"last_run"`
	LastErr   string        `json:"last_err,omitempty"`
}

type Snapshot struct {
	Active     int            `json:"active"`
	FirstError string         `json:"first_error,omitempty"`
	Routines   []RoutineStats `json:"routines"`
}

// Snapshot is safe on a nil Supervisor. Running routines sort first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := Snapshot{Routines: make([]RoutineStats, 0, len(s.routines))}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, r := range s.routines {
		if r.Running {
			snap.Active++
		}
		snap.Routines = append(snap.Routines, *r)
	}
	s.mu.Unlock()

	sort.Slice(snap.Routines, func(i, j int) bool {
		a, b := snap.Routines[i], snap.Routines[j]
		if a.Running != b.Running {
			return a.Running
		}
		return a.Name < b.Name
	})
	return snap
}

// restartPolicy is nil for one-shot goroutines.
type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts and records the last error as a
// supervisor failure. n <= 0 restarts forever.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// Go runs fn once. A non-nil error (other than cancellation) or a panic is
// recorded as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(name, fn, nil)
}

// GoRestart runs fn and reruns it after an error or panic until the context is
// canceled. A nil return ends it cleanly.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	p := &restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(p)
	}
	if p.max < p.min {
		p.max = p.min
	}
	s.spawn(name, fn, p)
}

func (s *Supervisor) spawn(name string, fn func(ctx context.Context) error, p *restartPolicy) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(name, fn, p)
	}()
}

func (s *Supervisor) supervise(name string, fn func(ctx context.Context) error, p *restartPolicy) {
	log := s.log.With(logx.String("routine", name))
	var (
		restarts int
		delay    time.Duration
	)
	if p != nil {
		delay = p.min
	}
	for {
		started := s.markStart(name, restarts > 0)
		err := s.runOnce(log, name, fn)
		if err != nil && (errors.Is(err, context.Canceled) || s.ctx.Err() != nil) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.markStop(name, started, err)

		if err == nil {
			return
		}
		if p == nil {
			s.fail(err)
			return
		}
		restarts++
		if p.maxRestarts > 0 && restarts > p.maxRestarts {
			log.Error("giving up after restarts", logx.Int("restarts", restarts-1), logx.Err(err))
			s.fail(err)
			return
		}
		// A run that stayed up for a while resets the backoff.
		if time.Since(started) >= 30*time.Second {
			delay = p.min
		}
		wait := delay + rand.N(delay/5+1)
		log.Warn("restarting", logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, p.max)
	}
}

// runOnce turns a panic into an error.
func (s *Supervisor) runOnce(log logx.Logger, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("routine panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.update(name, func(st *RoutineStats) { st.Panics++ })
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) update(name string, fn func(st *RoutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.routines[name]
	if !ok {
		st = &RoutineStats{Name: name}
		s.routines[name] = st
	}
	fn(st)
}

func (s *Supervisor) markStart(name string, restart bool) time.Time {
	now := time.Now()
	s.update(name, func(st *RoutineStats) {
		st.Running = true
		st.Runs++
		st.LastStart = now
		if restart {
			st.Restarts++
		}
	})
	return now
}

func (s *Supervisor) markStop(name string, started time.Time, err error) {
	now := time.Now()
	s.update(name, func(st *RoutineStats) {
		st.Running = false
		st.LastStop = now
		st.LastRun = now.Sub(started)
		if err != nil {
			st.LastErr = err.Error()
		}
	})
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for every goroutine, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done. It returns the
// first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
