package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"edusync/internal/errs"
	"edusync/internal/eventbus"
)

// fakeClock hands out strictly increasing timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestEnqueueAssignsUniqueIDs(t *testing.T) {
	t.Parallel()
	r := New()
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		id := r.Enqueue(KindCacheWarmup, map[string]int{"n": i})
		if id == "" {
			t.Fatal("empty id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
	if got := r.Stats().Pending; got != 500 {
		t.Fatalf("Pending = %d, want 500", got)
	}
}

func TestEnqueueStoresPendingJob(t *testing.T) {
	t.Parallel()
	r := New(WithClock(newFakeClock().Now))
	id := r.Enqueue(KindArticleReindex, map[string]string{"article_id": "a-1"})

	j, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusPending || j.Kind != KindArticleReindex {
		t.Fatalf("unexpected job %+v", j)
	}
	if j.StartedAt != nil || j.CompletedAt != nil {
		t.Fatal("pending job must not carry start/completion times")
	}
	var in struct {
		ArticleID string `json:"article_id"`
	}
	if err := j.Decode(&in); err != nil || in.ArticleID != "a-1" {
		t.Fatalf("Decode = %+v, %v", in, err)
	}
}

func TestEnqueueUnencodablePayload(t *testing.T) {
	t.Parallel()
	r := New()
	id := r.Enqueue(KindMediaCleanup, func() {})
	if r.PayloadError(id) == "" {
		t.Fatal("expected payload error to be recorded")
	}
	if j, _ := r.Get(id); j.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", j.Status)
	}
}

func TestGetUnknown(t *testing.T) {
	t.Parallel()
	r := New()
	_, err := r.Get("nope")
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()
	r := New()
	id := r.Enqueue(KindCacheWarmup, []int{1, 2})
	j, _ := r.Get(id)
	j.Data[0] = 'x'
	j.Status = StatusFailed

	again, _ := r.Get(id)
	if again.Status != StatusPending || string(again.Data) != "[1,2]" {
		t.Fatalf("registry memory leaked through Get: %+v", again)
	}
}

func TestListNewestFirstAndFilter(t *testing.T) {
	t.Parallel()
	r := New(WithClock(newFakeClock().Now))
	a := r.Enqueue(KindCacheWarmup, nil)
	b := r.Enqueue(KindMediaCleanup, nil)
	c := r.Enqueue(KindCacheWarmup, nil)

	all := r.List(Filter{})
	if len(all) != 3 || all[0].ID != c || all[1].ID != b || all[2].ID != a {
		t.Fatalf("List order = %v", ids(all))
	}

	kind := KindCacheWarmup
	warm := r.List(Filter{Kind: &kind})
	if len(warm) != 2 || warm[0].ID != c || warm[1].ID != a {
		t.Fatalf("kind filter = %v", ids(warm))
	}

	if _, err := r.Start(a, time.Now()); err != nil {
		t.Fatal(err)
	}
	running := StatusRunning
	got := r.List(Filter{Status: &running, Kind: &kind})
	if len(got) != 1 || got[0].ID != a {
		t.Fatalf("status+kind filter = %v", ids(got))
	}
}

func TestListTiesUseEnqueueOrder(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return fixed }))
	first := r.Enqueue(KindCacheWarmup, nil)
	second := r.Enqueue(KindCacheWarmup, nil)

	if got := r.List(Filter{}); got[0].ID != second || got[1].ID != first {
		t.Fatalf("List = %v", ids(got))
	}
	if got := r.Pending(); got[0].ID != first || got[1].ID != second {
		t.Fatalf("Pending = %v", ids(got))
	}
}

func TestRegisterHandlerLastWriteWins(t *testing.T) {
	t.Parallel()
	r := New()
	r.RegisterHandler(KindCacheWarmup, func(context.Context, Job) (any, error) { return "first", nil })
	r.RegisterHandler(KindCacheWarmup, func(context.Context, Job) (any, error) { return "second", nil })

	h, ok := r.Handler(KindCacheWarmup)
	if !ok {
		t.Fatal("handler missing")
	}
	if out, _ := h(context.Background(), Job{}); out != "second" {
		t.Fatalf("handler result = %v, want second", out)
	}

	r.RegisterHandler(KindCacheWarmup, nil)
	if _, ok := r.Handler(KindCacheWarmup); ok {
		t.Fatal("nil handler should remove the binding")
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	t.Parallel()
	r := New()
	id := r.Enqueue(KindProgressRollup, nil)
	now := time.Now()

	if _, err := r.Complete(id, nil, now); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("Complete from pending: %v", err)
	}
	if _, err := r.Start(id, now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.Start(id, now); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("second Start: %v", err)
	}
	j, err := r.Complete(id, []byte(`{"ok":true}`), now)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if j.Status != StatusCompleted || string(j.Result) != `{"ok":true}` || j.CompletedAt == nil {
		t.Fatalf("completed job = %+v", j)
	}
	if _, err := r.Fail(id, "late", now); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("Fail after complete: %v", err)
	}
	if _, err := r.Start("missing", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start missing: %v", err)
	}
}

func TestFailFromPending(t *testing.T) {
	t.Parallel()
	r := New()
	id := r.Enqueue(Kind("unknown.kind"), nil)
	j, err := r.Fail(id, "no handler", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusFailed || j.StartedAt != nil || j.Error != "no handler" {
		t.Fatalf("job = %+v", j)
	}
}

func TestClearCompleted(t *testing.T) {
	t.Parallel()
	r := New()
	now := time.Now()
	done := r.Enqueue(KindCacheWarmup, nil)
	failed := r.Enqueue(KindCacheWarmup, nil)
	running := r.Enqueue(KindCacheWarmup, nil)
	pending := r.Enqueue(KindCacheWarmup, nil)

	mustOK(t, func() error { _, err := r.Start(done, now); return err })
	mustOK(t, func() error { _, err := r.Complete(done, nil, now); return err })
	mustOK(t, func() error { _, err := r.Fail(failed, "boom", now); return err })
	mustOK(t, func() error { _, err := r.Start(running, now); return err })

	if n := r.ClearCompleted(); n != 2 {
		t.Fatalf("ClearCompleted = %d, want 2", n)
	}
	if n := r.ClearCompleted(); n != 0 {
		t.Fatalf("second ClearCompleted = %d, want 0", n)
	}
	if _, err := r.Get(done); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cleared job still visible: %v", err)
	}
	st := r.Stats()
	if st.Pending != 1 || st.Running != 1 || st.Completed != 0 || st.Failed != 0 {
		t.Fatalf("Stats = %+v", st)
	}
	if _, err := r.Get(pending); err != nil {
		t.Fatal(err)
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := eventbus.SubscribePrefix(bus, 16, "job.")
	defer unsub()

	r := New(WithBus(bus))
	id := r.Enqueue(KindCacheWarmup, nil)
	if _, err := r.Start(id, time.Now()); err != nil {
		t.Fatal(err)
	}

	want := []string{eventbus.JobEnqueued, eventbus.JobStarted}
	for _, typ := range want {
		select {
		case ev := <-ch:
			if ev.Type != typ {
				t.Fatalf("event = %s, want %s", ev.Type, typ)
			}
			if je, ok := ev.Data.(eventbus.JobEvent); !ok || je.ID != id {
				t.Fatalf("payload = %#v", ev.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := r.Enqueue(KindCacheWarmup, fmt.Sprintf("%d-%d", w, i))
				_, _ = r.Start(id, time.Now())
				_ = r.List(Filter{})
				_ = r.Stats()
			}
		}(w)
	}
	wg.Wait()
	if got := r.Stats().Running; got != 400 {
		t.Fatalf("Running = %d, want 400", got)
	}
}

func mustOK(t *testing.T, fn func() error) {
	t.Helper()
	if err := fn(); err != nil {
		t.Fatal(err)
	}
}

func ids(js []Job) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.ID
	}
	return out
}
