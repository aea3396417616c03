package scheduler

import (
	"errors"
	"time"
)

// DefaultInterval is used when Config.Interval is unset.
const DefaultInterval = 5 * time.Second

// ErrCycleInProgress is returned by RunOnce while another cycle is running.
var ErrCycleInProgress = errors.New("scheduler: cycle already in progress")

// Config controls the scheduler service.
type Config struct {
	Enabled    bool
	Interval   time.Duration
	JobTimeout time.Duration // 0 = no per-job deadline
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return DefaultInterval
	}
	return c.Interval
}

// CycleReport summarizes one dispatch cycle.
type CycleReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Dispatched int           `json:"dispatched"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

type Snapshot struct {
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	Interval     time.Duration `json:"interval"`
	JobTimeout   time.Duration `json:"job_timeout"`
	Cycles       uint64        `json:"cycles"`
	SkippedTicks uint64        `json:"skipped_ticks"`
	InFlight     bool          `json:"in_flight"`
	NextTick     time.Time     `json:"next_tick,omitempty"`
	LastCycle    *CycleReport  `json:"last_cycle,omitempty"`
}
