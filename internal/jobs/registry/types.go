package registry

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies what a job does.
type Kind string

const (
	KindArticleReindex Kind = "article.reindex"
	KindCacheWarmup    Kind = "cache.warmup"
	KindProgressRollup Kind = "progress.rollup"
	KindMediaCleanup   Kind = "media.cleanup"
)

var kinds = []Kind{KindArticleReindex, KindCacheWarmup, KindProgressRollup, KindMediaCleanup}

// Kinds returns the known job kinds in a stable order.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts the lowercase status names.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"type"`
	Status      Status          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	// dataErr is set when the enqueue payload could not be encoded.
	dataErr string
}

// Decode unmarshals the job's input payload into v.
func (j Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return nil
	}
	return json.Unmarshal(j.Data, v)
}

func (j Job) clone() Job {
	cp := j
	if j.Data != nil {
		cp.Data = append(json.RawMessage(nil), j.Data...)
	}
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// Handler performs the work of one job. The returned result, if non-nil, is
// JSON-encoded into Job.Result.
type Handler func(ctx context.Context, j Job) (any, error)

// Filter narrows List. Nil fields match everything; set fields are ANDed.
type Filter struct {
	Status *Status
	Kind   *Kind
}

func (f Filter) match(j *Job) bool {
	if f.Status != nil && j.Status != *f.Status {
		return false
	}
	if f.Kind != nil && j.Kind != *f.Kind {
		return false
	}
	return true
}

// Stats counts jobs per status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s Stats) Total() int { return s.Pending + s.Running + s.Completed + s.Failed }
