package taskqueue

import (
	"errors"
	"fmt"
)

// ErrInvalidTask is returned by Submit for an empty name or an unencodable payload.
var ErrInvalidTask = errors.New("taskqueue: invalid task")

// NoRetry marks an error as permanent: the task fails on this attempt
// regardless of the attempts left.
//
// Example:
//
//	return nil, taskqueue.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// failureText is the message stored on the task, without the no-retry marker.
func failureText(err error) string {
	var nr noRetryError
	if errors.As(err, &nr) {
		return nr.err.Error()
	}
	return err.Error()
}
