// Package errs holds the error taxonomy shared by the in-memory job path and
// the durable task queue. Callers match with errors.Is.
package errs

import "errors"

var (
	// ErrNotFound is returned for ids that were never issued or were purged.
	ErrNotFound = errors.New("not found")

	// ErrNoHandler means a job or task type has no registered executor.
	ErrNoHandler = errors.New("no handler registered")

	// ErrHandlerFailure wraps an error raised by a bound executor.
	ErrHandlerFailure = errors.New("handler failed")

	// ErrSubmission means the durable substrate rejected or could not accept an enqueue.
	ErrSubmission = errors.New("submission failed")

	// ErrInvalidTransition is returned when a lifecycle transition would move backwards.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLeaseLost means a worker wrote to a task after its lease was requeued
	// or handed to another worker. The write is dropped.
	ErrLeaseLost = errors.New("task lease lost")
)
