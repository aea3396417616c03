package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"edusync/internal/eventbus"
	"edusync/internal/jobs/registry"
	logx "edusync/pkg/logx"
)

type Service struct {
	reg *registry.Registry
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu        sync.Mutex
	cfg       Config
	c         *cron.Cron
	entry     cron.EntryID
	runCtx    context.Context
	runCancel context.CancelFunc

	inFlight atomic.Bool
	cycles   atomic.Uint64
	skipped  atomic.Uint64

	lastMu sync.Mutex
	last   *CycleReport
}

func New(cfg Config, reg *registry.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		reg: reg,
		log: log,
		bus: bus,
		now: time.Now,
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Running reports whether the tick loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start registers the tick and starts cron. It is a no-op when already running
// or when the scheduler is disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; not starting")
		return
	}

	cl := cronLogger{log: s.log, skipped: &s.skipped, bus: s.bus}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	id, err := s.addTickLocked(c, s.cfg.interval())
	if err != nil {
		s.runCancel()
		s.runCtx, s.runCancel = nil, nil
		s.log.Error("scheduler tick registration failed", logx.Err(err))
		return
	}
	s.c, s.entry = c, id
	c.Start()
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.interval()), logx.Duration("job_timeout", s.cfg.JobTimeout))
}

func (s *Service) addTickLocked(c *cron.Cron, every time.Duration) (cron.EntryID, error) {
	ctx := s.runCtx
	return c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if _, err := s.RunOnce(ctx); err != nil && err != ErrCycleInProgress {
			s.log.Warn("dispatch cycle aborted", logx.Err(err))
		}
	})
}

// Stop halts the tick and waits for an in-flight cycle (bounded by ctx).
// Jobs the cycle has not reached yet stay pending.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.entry, s.runCtx, s.runCancel = nil, 0, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	s.log.Info("scheduler stop requested")
	done := c.Stop().Done()
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; cycle still running", logx.Err(ctx.Err()))
	}
}

// Apply swaps the config. A changed interval re-registers the tick when running.
// Enabled toggles are handled by the caller through Start/Stop.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg.interval()
	s.cfg = cfg
	if s.c == nil || old == cfg.interval() {
		return
	}
	s.c.Remove(s.entry)
	id, err := s.addTickLocked(s.c, cfg.interval())
	if err != nil {
		s.log.Error("scheduler tick re-registration failed", logx.Err(err))
		s.entry = 0
		return
	}
	s.entry = id
	s.log.Info("scheduler interval changed", logx.Duration("from", old), logx.Duration("to", cfg.interval()))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:    s.cfg.Enabled,
		Running:    s.c != nil,
		Interval:   s.cfg.interval(),
		JobTimeout: s.cfg.JobTimeout,
	}
	if s.c != nil && s.entry != 0 {
		snap.NextTick = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()

	snap.Cycles = s.cycles.Load()
	snap.SkippedTicks = s.skipped.Load()
	snap.InFlight = s.inFlight.Load()

	s.lastMu.Lock()
	if s.last != nil {
		cp := *s.last
		snap.LastCycle = &cp
	}
	s.lastMu.Unlock()
	return snap
}

func (s *Service) jobTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.JobTimeout
}

// cronLogger routes robfig/cron's internal logging into logx and counts the
// ticks SkipIfStillRunning drops.
type cronLogger struct {
	log     logx.Logger
	skipped *atomic.Uint64
	bus     eventbus.Bus
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	if msg == "skip" {
		l.skipped.Add(1)
		eventbus.Publish(l.bus, eventbus.CycleSkipped, nil)
		l.log.Debug("tick skipped; cycle still running")
		return
	}
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
