package storage

import (
	"errors"
	"fmt"
	"time"

	"edusync/internal/errs"
	"edusync/internal/taskqueue"
)

// ErrDisabled is returned by Open for the "none" driver: the durable queue
// cannot run without a substrate.
var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL reachable through DSN
//   - "redis": Redis reachable through DSN (redis://host:port/db)
//   - "file": journal + snapshot files next to Path
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres or redis pool size; 0 means the client default
}

const DefaultPath = "./data/edusync.db"

func notFound(id string) error {
	return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
}

func notActive(id string) error {
	return fmt.Errorf("task %s is not active: %w", id, errs.ErrInvalidTransition)
}

func leaseLost(l taskqueue.Lease) error {
	return fmt.Errorf("task %s attempt %d held by %q: %w", l.TaskID, l.Attempt, l.WorkerID, errs.ErrLeaseLost)
}

// fenceMiss explains why a write fenced on l matched no row, given the row as
// it is now.
func fenceMiss(l taskqueue.Lease, state taskqueue.State, workerID string, attempts int) error {
	if workerID != l.WorkerID || attempts != l.Attempt || state == taskqueue.StateWaiting {
		return leaseLost(l)
	}
	return notActive(l.TaskID)
}
