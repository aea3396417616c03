package storage

import (
	"testing"
	"time"

	"edusync/internal/taskqueue"
	logx "edusync/pkg/logx"
)

func TestRedisIndexScore(t *testing.T) {
	t.Parallel()

	lease := t0.Add(5 * time.Minute)
	done := t0.Add(time.Hour)
	tests := []struct {
		name string
		task taskqueue.Task
		want time.Time
	}{
		{"waiting sorts by run_at", taskqueue.Task{State: taskqueue.StateWaiting, RunAt: t0}, t0},
		{"active sorts by lease", taskqueue.Task{State: taskqueue.StateActive, RunAt: t0, LeaseUntil: &lease}, lease},
		{"completed sorts by finish", taskqueue.Task{State: taskqueue.StateCompleted, RunAt: t0, CompletedAt: &done}, done},
		{"failed sorts by finish", taskqueue.Task{State: taskqueue.StateFailed, RunAt: t0, CompletedAt: &done}, done},
		{"active without lease falls back", taskqueue.Task{State: taskqueue.StateActive, RunAt: t0}, t0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := indexScore(&tt.task); got != float64(tt.want.UnixMilli()) {
				t.Fatalf("score = %v, want %v", got, tt.want.UnixMilli())
			}
		})
	}
}

func TestRedisKeysShareOnePrefix(t *testing.T) {
	t.Parallel()
	s := NewRedisFromClient(nil, logx.Nop())
	if got := s.taskKey("abc"); got != "edusync:task:abc" {
		t.Fatalf("taskKey = %q", got)
	}
	if got := s.stateKey(taskqueue.StateWaiting); got != "edusync:state:waiting" {
		t.Fatalf("stateKey = %q", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close on a borrowed client: %v", err)
	}
}
