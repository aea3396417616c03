package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"edusync/internal/errs"
	"edusync/internal/eventbus"
	"edusync/internal/jobs/registry"
	logx "edusync/pkg/logx"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
)

// RunOnce runs a single dispatch cycle over the jobs pending right now.
// It returns ErrCycleInProgress if another cycle holds the flight.
func (s *Service) RunOnce(ctx context.Context) (CycleReport, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer s.inFlight.Store(false)

	rep := CycleReport{StartedAt: s.now()}
	pending := s.reg.Pending()
	eventbus.Publish(s.bus, eventbus.CycleStarted, len(pending))

	var err error
	for _, j := range pending {
		if err = ctx.Err(); err != nil {
			break
		}
		switch s.dispatch(ctx, j) {
		case outcomeCompleted:
			rep.Dispatched++
			rep.Completed++
		case outcomeFailed:
			rep.Dispatched++
			rep.Failed++
		}
	}
	rep.Duration = time.Since(rep.StartedAt)

	s.cycles.Add(1)
	s.lastMu.Lock()
	cp := rep
	s.last = &cp
	s.lastMu.Unlock()
	eventbus.Publish(s.bus, eventbus.CycleFinished, rep)

	if rep.Dispatched > 0 {
		s.log.Debug("dispatch cycle finished",
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("completed", rep.Completed),
			logx.Int("failed", rep.Failed),
			logx.Duration("dur", rep.Duration),
		)
	}
	return rep, err
}

func (s *Service) dispatch(ctx context.Context, j registry.Job) outcome {
	log := s.log.With(logx.JobID(j.ID), logx.String("job_type", string(j.Kind)))

	h, ok := s.reg.Handler(j.Kind)
	if !ok {
		msg := fmt.Sprintf("no handler registered for job type %q", j.Kind)
		if _, err := s.reg.Fail(j.ID, msg, s.now()); err != nil {
			log.Debug("job vanished before dispatch", logx.Err(err))
			return outcomeSkipped
		}
		log.Warn("job failed", logx.Err(fmt.Errorf("%w: %s", errs.ErrNoHandler, j.Kind)))
		return outcomeFailed
	}

	started, err := s.reg.Start(j.ID, s.now())
	if err != nil {
		// Cleared or claimed between the snapshot and now.
		log.Debug("job not startable", logx.Err(err))
		return outcomeSkipped
	}

	if perr := s.reg.PayloadError(j.ID); perr != "" {
		return s.fail(log, j.ID, fmt.Errorf("%w: %s", errs.ErrHandlerFailure, perr))
	}

	runCtx := ctx
	if d := s.jobTimeout(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	out, err := s.invoke(runCtx, h, started)
	if err != nil {
		return s.fail(log, j.ID, err)
	}

	var raw json.RawMessage
	if out != nil {
		b, mErr := json.Marshal(out)
		if mErr != nil {
			return s.fail(log, j.ID, fmt.Errorf("encode result: %w", mErr))
		}
		raw = b
	}
	if _, err := s.reg.Complete(j.ID, raw, s.now()); err != nil {
		log.Warn("job completion not recorded", logx.Err(err))
		return outcomeSkipped
	}
	log.Debug("job completed", logx.Duration("dur", time.Since(start)))
	return outcomeCompleted
}

func (s *Service) fail(log logx.Logger, id string, cause error) outcome {
	if _, err := s.reg.Fail(id, cause.Error(), s.now()); err != nil {
		log.Warn("job failure not recorded", logx.Err(err))
		return outcomeSkipped
	}
	log.Warn("job failed", logx.Err(cause))
	return outcomeFailed
}

// invoke runs h, converting a panic into a handler failure.
func (s *Service) invoke(ctx context.Context, h registry.Handler, j registry.Job) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job handler panicked", logx.JobID(j.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = nil
			err = fmt.Errorf("%w: panic: %v", errs.ErrHandlerFailure, r)
		}
	}()
	return h(ctx, j)
}
