package taskqueue

import "time"

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
)

// Policy controls retries of a durable task.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration // 0 = uncapped
}

// DefaultPolicy is 3 attempts with 1s, 2s between them.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BackoffBase: DefaultBackoffBase}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.BackoffMax < 0 {
		p.BackoffMax = 0
	}
	return p
}

// Delay returns the wait after the n-th failed attempt (1-indexed):
// BackoffBase * 2^(n-1), capped at BackoffMax when set.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		n = 1
	}
	d := p.BackoffBase
	for i := 1; i < n; i++ {
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			break
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

// Exhausted reports whether attempt n was the last one allowed.
func (p Policy) Exhausted(n int) bool {
	return n >= p.withDefaults().MaxAttempts
}
