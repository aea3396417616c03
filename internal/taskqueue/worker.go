package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"edusync/internal/errs"
	"edusync/internal/eventbus"
	"edusync/internal/runtime/supervisor"
	logx "edusync/pkg/logx"
)

// Start recovers expired leases and launches the worker pool and the reaper.
// Calling Start on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.lmu.Lock()
	defer q.lmu.Unlock()
	if q.sup != nil {
		return
	}
	cfg := q.config()

	if n, err := q.store.RequeueExpired(ctx, q.now().UTC()); err != nil {
		q.log.Warn("lease recovery failed", logx.Err(err))
	} else if n > 0 {
		q.log.Info("recovered tasks with expired leases", logx.Int("count", n))
	}

	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(q.log))
	for i := 0; i < cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s/%d", hostTag(), i)
		sup.GoRestart(fmt.Sprintf("taskqueue.worker.%d", i), q.workLoop(workerID), supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	sup.GoRestart("taskqueue.reaper", q.reapLoop, supervisor.WithRestartBackoff(time.Second, time.Minute))
	q.sup = sup
	q.log.Info("task queue started", logx.Int("workers", cfg.Workers), logx.Duration("poll", cfg.PollInterval), logx.Duration("lease", cfg.Lease))
}

// Stop stops claiming and waits for attempts in flight (bounded by ctx).
// An attempt cut off by the deadline is recovered through its lease.
func (q *Queue) Stop(ctx context.Context) error {
	q.lmu.Lock()
	sup := q.sup
	q.sup = nil
	q.lmu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	err := sup.Stop(ctx)
	q.log.Info("task queue stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// Snapshot exposes the worker goroutines for diagnostics.
func (q *Queue) Snapshot() supervisor.Snapshot {
	q.lmu.Lock()
	sup := q.sup
	q.lmu.Unlock()
	return sup.Snapshot()
}

func (q *Queue) workLoop(workerID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			if err := q.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			ran, err := q.RunOnce(ctx, workerID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				q.log.Warn("task queue cycle failed", logx.Worker(workerID), logx.Err(err))
			}
			if ran {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.config().PollInterval):
			}
		}
	}
}

func (q *Queue) reapLoop(ctx context.Context) error {
	for {
		cfg := q.config()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.ReapInterval):
		}
		q.Reap(ctx)
	}
}

// Reap runs lease recovery and, when a retention is configured, purges old
// finished tasks.
func (q *Queue) Reap(ctx context.Context) {
	cfg := q.config()
	now := q.now().UTC()
	if n, err := q.store.RequeueExpired(ctx, now); err != nil {
		q.log.Warn("lease recovery failed", logx.Err(err))
	} else if n > 0 {
		q.log.Info("recovered tasks with expired leases", logx.Int("count", n))
	}
	if cfg.Retention <= 0 {
		return
	}
	if n, err := q.store.PurgeFinished(ctx, now.Add(-cfg.Retention)); err != nil {
		q.log.Warn("purge of finished tasks failed", logx.Err(err))
	} else if n > 0 {
		q.log.Debug("purged finished tasks", logx.Int("count", n))
	}
}

// RunOnce claims and executes at most one eligible task. It reports whether a
// task was claimed.
func (q *Queue) RunOnce(ctx context.Context, workerID string) (bool, error) {
	cfg := q.config()
	t, err := q.store.Claim(ctx, workerID, q.now().UTC(), cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if t == nil {
		return false, nil
	}
	// A claimed attempt runs to completion even if the worker is stopping.
	return true, q.execute(context.WithoutCancel(ctx), t, cfg)
}

func (q *Queue) execute(ctx context.Context, t *Task, cfg Config) error {
	log := q.log.With(logx.TaskID(t.ID), logx.String("task", t.Name), logx.Int("attempt", t.Attempts))
	att := Attempt{Number: t.Attempts, StartedAt: q.now().UTC()}

	ctx, span := q.tracer.Start(ctx, "taskqueue.execute",
		trace.WithAttributes(
			attribute.String("taskqueue.task.id", t.ID),
			attribute.String("taskqueue.task.name", t.Name),
			attribute.Int("taskqueue.attempt", t.Attempts),
			attribute.Int("taskqueue.max_attempts", t.MaxAttempts),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	eventbus.Publish(q.bus, eventbus.TaskStarted, eventbus.TaskEvent{ID: t.ID, Name: t.Name, State: string(StateActive), Attempt: t.Attempts})
	log.Debug("task attempt started")

	var (
		out any
		err error
	)
	fn, ok := q.handler(t.Name)
	if !ok {
		err = fmt.Errorf("%w: task %q", errs.ErrNoHandler, t.Name)
	} else {
		progress := q.progressFunc(ctx, t, cfg.Lease)
		if perr := progress(0); perr != nil {
			log.Debug("progress update failed", logx.Err(perr))
		}
		runCtx := ctx
		if cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
			defer cancel()
		}
		out, err = q.invoke(runCtx, fn, t, progress, log)
		if err == nil {
			var raw json.RawMessage
			if out != nil {
				b, mErr := json.Marshal(out)
				if mErr != nil {
					err = NoRetry(fmt.Errorf("encode result: %w", mErr))
				} else {
					raw = b
				}
			}
			if err == nil {
				if perr := progress(100); perr != nil {
					log.Debug("progress update failed", logx.Err(perr))
				}
				return q.complete(ctx, span, log, t, raw, att.StartedAt)
			}
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	att.FinishedAt = q.now().UTC()
	att.Error = failureText(err)
	return q.failAttempt(ctx, log, t, att, IsNoRetry(err))
}

func (q *Queue) complete(ctx context.Context, span trace.Span, log logx.Logger, t *Task, raw json.RawMessage, startedAt time.Time) error {
	at := q.now().UTC()
	if err := q.store.Complete(ctx, t.Lease(), raw, at); err != nil {
		if errors.Is(err, errs.ErrLeaseLost) {
			log.Warn("lease lost; attempt result discarded", logx.Err(err))
			span.SetStatus(codes.Error, "lease lost")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("complete %s: %w", t.ID, err)
	}
	span.SetStatus(codes.Ok, "")
	eventbus.Publish(q.bus, eventbus.TaskCompleted, eventbus.TaskEvent{ID: t.ID, Name: t.Name, State: string(StateCompleted), Attempt: t.Attempts, Progress: 100})

	dur := at.Sub(startedAt)
	if dur >= 750*time.Millisecond {
		log.Info("task completed", logx.Duration("dur", dur))
	} else {
		log.Debug("task completed", logx.Duration("dur", dur))
	}
	return nil
}

func (q *Queue) failAttempt(ctx context.Context, log logx.Logger, t *Task, att Attempt, permanent bool) error {
	p := t.Policy()
	if permanent || p.Exhausted(att.Number) {
		if err := q.store.Fail(ctx, t.Lease(), att); err != nil {
			return q.dropLostLease(log, err, "fail", t.ID)
		}
		eventbus.Publish(q.bus, eventbus.TaskFailed, eventbus.TaskEvent{ID: t.ID, Name: t.Name, State: string(StateFailed), Attempt: att.Number, Error: att.Error})
		log.Warn("task failed", logx.String("err", att.Error), logx.Bool("permanent", permanent), logx.Int("max_attempts", p.MaxAttempts))
		return nil
	}

	att.Delay = p.Delay(att.Number)
	runAt := att.FinishedAt.Add(att.Delay)
	if err := q.store.Retry(ctx, t.Lease(), runAt, att); err != nil {
		return q.dropLostLease(log, err, "retry", t.ID)
	}
	eventbus.Publish(q.bus, eventbus.TaskRetrying, eventbus.TaskEvent{ID: t.ID, Name: t.Name, State: string(StateWaiting), Attempt: att.Number, Delay: att.Delay, Error: att.Error})
	log.Info("task retry scheduled", logx.String("err", att.Error), logx.Duration("delay", att.Delay), logx.Time("run_at", runAt))
	return nil
}

// dropLostLease swallows a write rejected because another worker owns the
// task now.
func (q *Queue) dropLostLease(log logx.Logger, err error, op, id string) error {
	if errors.Is(err, errs.ErrLeaseLost) {
		log.Warn("lease lost; attempt outcome discarded", logx.String("op", op), logx.Err(err))
		return nil
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

// progressFunc also renews the lease, so a handler that reports progress
// keeps its claim past the initial lease.
func (q *Queue) progressFunc(ctx context.Context, t *Task, lease time.Duration) ProgressFunc {
	return func(pct int) error {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		if err := q.store.Progress(ctx, t.Lease(), pct, q.now().UTC().Add(lease)); err != nil {
			return err
		}
		t.Progress = pct
		eventbus.Publish(q.bus, eventbus.TaskProgress, eventbus.TaskEvent{ID: t.ID, Name: t.Name, State: string(StateActive), Attempt: t.Attempts, Progress: pct})
		return nil
	}
}

func (q *Queue) invoke(ctx context.Context, fn WorkFunc, t *Task, progress ProgressFunc, log logx.Logger) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = nil
			err = fmt.Errorf("%w: panic: %v", errs.ErrHandlerFailure, r)
		}
	}()
	return fn(ctx, t, progress)
}

// hostTag identifies this process in worker ids: host:pid.
func hostTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
