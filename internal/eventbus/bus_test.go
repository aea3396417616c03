package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Publish(b, JobEnqueued, JobEvent{ID: "j1", Kind: "cache.warmup", Status: "pending"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != JobEnqueued {
				t.Fatalf("Type = %q, want %q", e.Type, JobEnqueued)
			}
			if e.Time.IsZero() {
				t.Fatal("Time should be set")
			}
			if je, ok := e.Data.(JobEvent); !ok || je.ID != "j1" {
				t.Fatalf("Data = %#v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			Publish(b, TaskProgress, TaskEvent{ID: "t", Progress: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestSubscribePrefix(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := SubscribePrefix(b, 8, "task.")
	defer unsub()

	Publish(b, JobStarted, JobEvent{ID: "j"})
	Publish(b, TaskStarted, TaskEvent{ID: "t"})

	select {
	case e := <-ch:
		if e.Type != TaskStarted {
			t.Fatalf("got %q, want only task events", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("task event not delivered")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	Publish(b, JobFailed, nil)
	Publish(nil, JobFailed, nil)
}
