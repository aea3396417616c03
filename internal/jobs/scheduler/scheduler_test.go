package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"edusync/internal/eventbus"
	"edusync/internal/jobs/registry"
	logx "edusync/pkg/logx"
)

func newTestService(t *testing.T, cfg Config, opts ...registry.Option) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(opts...)
	return New(cfg, reg, logx.Nop(), nil), reg
}

func TestRunOnceCompletesJobsInFIFOOrder(t *testing.T) {
	t.Parallel()
	s, reg := newTestService(t, Config{})

	var (
		mu    sync.Mutex
		order []string
	)
	reg.RegisterHandler(registry.KindCacheWarmup, func(_ context.Context, j registry.Job) (any, error) {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return map[string]string{"warmed": j.ID}, nil
	})

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, reg.Enqueue(registry.KindCacheWarmup, nil))
	}

	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Dispatched != 5 || rep.Completed != 5 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for _, id := range want {
		j, err := reg.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status != registry.StatusCompleted || j.StartedAt == nil || j.CompletedAt == nil {
			t.Fatalf("job = %+v", j)
		}
		if !strings.Contains(string(j.Result), id) {
			t.Fatalf("result = %s", j.Result)
		}
	}
}

func TestRunOnceNoHandlerFailsWithoutRunning(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := eventbus.SubscribePrefix(bus, 16, "job.")
	defer unsub()

	reg := registry.New(registry.WithBus(bus))
	s := New(Config{}, reg, logx.Nop(), bus)
	id := reg.Enqueue(registry.KindMediaCleanup, nil)

	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	j, _ := reg.Get(id)
	if j.Status != registry.StatusFailed {
		t.Fatalf("Status = %s", j.Status)
	}
	if j.Error != `no handler registered for job type "media.cleanup"` {
		t.Fatalf("Error = %q", j.Error)
	}
	if j.StartedAt != nil {
		t.Fatal("job without handler must never pass through running")
	}

	var seen []string
	for len(seen) < 2 {
		select {
		case ev := <-ch:
			seen = append(seen, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", seen)
		}
	}
	if seen[0] != eventbus.JobEnqueued || seen[1] != eventbus.JobFailed {
		t.Fatalf("events = %v, want enqueued then failed", seen)
	}
}

func TestRunOnceHandlerErrorAndPanic(t *testing.T) {
	t.Parallel()
	s, reg := newTestService(t, Config{})
	reg.RegisterHandler(registry.KindArticleReindex, func(context.Context, registry.Job) (any, error) {
		return nil, errors.New("index unavailable")
	})
	reg.RegisterHandler(registry.KindProgressRollup, func(context.Context, registry.Job) (any, error) {
		panic("boom")
	})
	errID := reg.Enqueue(registry.KindArticleReindex, nil)
	panicID := reg.Enqueue(registry.KindProgressRollup, nil)

	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 2 || rep.Completed != 0 {
		t.Fatalf("report = %+v", rep)
	}

	j, _ := reg.Get(errID)
	if j.Status != registry.StatusFailed || j.Error != "index unavailable" || j.StartedAt == nil {
		t.Fatalf("error job = %+v", j)
	}
	j, _ = reg.Get(panicID)
	if j.Status != registry.StatusFailed || !strings.Contains(j.Error, "panic: boom") {
		t.Fatalf("panic job = %+v", j)
	}

	// No retry: a second cycle has nothing to do.
	rep, _ = s.RunOnce(context.Background())
	if rep.Dispatched != 0 {
		t.Fatalf("second cycle dispatched %d jobs", rep.Dispatched)
	}
}

func TestRunOnceSingleFlight(t *testing.T) {
	t.Parallel()
	s, reg := newTestService(t, Config{})

	entered := make(chan struct{})
	release := make(chan struct{})
	reg.RegisterHandler(registry.KindCacheWarmup, func(context.Context, registry.Job) (any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	reg.Enqueue(registry.KindCacheWarmup, nil)

	done := make(chan CycleReport, 1)
	go func() {
		rep, _ := s.RunOnce(context.Background())
		done <- rep
	}()
	<-entered

	if _, err := s.RunOnce(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("concurrent RunOnce err = %v, want ErrCycleInProgress", err)
	}
	if !s.Snapshot().InFlight {
		t.Fatal("snapshot should report a cycle in flight")
	}
	close(release)

	if rep := <-done; rep.Completed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if s.Snapshot().Cycles != 1 {
		t.Fatalf("Cycles = %d, want 1", s.Snapshot().Cycles)
	}
}

func TestJobsEnqueuedMidCycleWaitForNextCycle(t *testing.T) {
	t.Parallel()
	s, reg := newTestService(t, Config{})

	var late string
	reg.RegisterHandler(registry.KindCacheWarmup, func(context.Context, registry.Job) (any, error) {
		if late == "" {
			late = reg.Enqueue(registry.KindCacheWarmup, nil)
		}
		return nil, nil
	})
	reg.Enqueue(registry.KindCacheWarmup, nil)

	rep, _ := s.RunOnce(context.Background())
	if rep.Dispatched != 1 {
		t.Fatalf("first cycle = %+v", rep)
	}
	if j, _ := reg.Get(late); j.Status != registry.StatusPending {
		t.Fatalf("late job status = %s, want pending", j.Status)
	}
	rep, _ = s.RunOnce(context.Background())
	if rep.Completed != 1 {
		t.Fatalf("second cycle = %+v", rep)
	}
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()
	s, reg := newTestService(t, Config{JobTimeout: 20 * time.Millisecond})
	reg.RegisterHandler(registry.KindCacheWarmup, func(ctx context.Context, _ registry.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id := reg.Enqueue(registry.KindCacheWarmup, nil)

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	j, _ := reg.Get(id)
	if j.Status != registry.StatusFailed || !strings.Contains(j.Error, "deadline") {
		t.Fatalf("job = %+v", j)
	}
}

func TestStartDrainsEveryJob(t *testing.T) {
	t.Parallel()
	s, reg := newTestService(t, Config{Enabled: true, Interval: time.Second})
	reg.RegisterHandler(registry.KindCacheWarmup, func(context.Context, registry.Job) (any, error) {
		return "ok", nil
	})
	reg.RegisterHandler(registry.KindProgressRollup, func(context.Context, registry.Job) (any, error) {
		return nil, errors.New("rollup failed")
	})
	for i := 0; i < 10; i++ {
		reg.Enqueue(registry.KindCacheWarmup, i)
		reg.Enqueue(registry.KindProgressRollup, i)
	}

	s.Start(context.Background())
	s.Start(context.Background()) // idempotent
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		st := reg.Stats()
		if st.Pending == 0 && st.Running == 0 && s.Snapshot().Cycles > 0 {
			if st.Completed != 10 || st.Failed != 10 {
				t.Fatalf("Stats = %+v", st)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs not drained: %+v", st)
		}
		time.Sleep(50 * time.Millisecond)
	}

	snap := s.Snapshot()
	if !snap.Running || snap.Interval != time.Second || snap.Cycles == 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStartDisabledAndStopIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{Enabled: false})
	s.Start(context.Background())
	if s.Running() {
		t.Fatal("disabled scheduler should not start")
	}
	s.Stop(context.Background())
	s.Stop(context.Background())
}

func TestApplyChangesInterval(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{Enabled: true, Interval: time.Minute})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, Interval: 2 * time.Minute})
	snap := s.Snapshot()
	if snap.Interval != 2*time.Minute || !snap.Running {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.NextTick.IsZero() {
		t.Fatal("expected the re-registered tick to be scheduled")
	}
}

func TestDefaultInterval(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})
	if got := s.Snapshot().Interval; got != DefaultInterval {
		t.Fatalf("Interval = %v, want %v", got, DefaultInterval)
	}
}
