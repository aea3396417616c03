package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"edusync/internal/taskqueue"
	logx "edusync/pkg/logx"
)

const taskColumns = `id, name, payload, state, progress, result, attempts, max_attempts,
	backoff_base, backoff_max, run_at, last_error, history, lease_until, worker_id,
	created_at, updated_at, started_at, completed_at`

// SQLiteStore keeps tasks in one SQLite file. A single connection serializes
// writers, which makes Claim exclusive within the process; separate processes
// sharing the file rely on SQLite's write lock.
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger
}

var _ taskqueue.Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at cfg.Path. ":memory:" is
// accepted for tests.
func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return err
	}
	ms, err := migrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range ms {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, m.name).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations(filename, applied_at) VALUES(?, ?)`, m.name, time.Now().UnixNano()); err != nil {
			return err
		}
		s.log.Debug("migration applied", logx.String("file", m.name))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, t *taskqueue.Task) error {
	hist, err := encodeHistory(t.History)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullJSON(t.Payload), string(t.State), t.Progress, nullJSON(t.Result),
		t.Attempts, t.MaxAttempts, int64(t.BackoffBase), int64(t.BackoffMax),
		unixNano(t.RunAt), t.LastError, hist, nullUnixNano(t.LeaseUntil), t.WorkerID,
		unixNano(t.CreatedAt), unixNano(t.UpdatedAt), nullUnixNano(t.StartedAt), nullUnixNano(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*taskqueue.Task, error) {
	n := unixNano(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET state = 'active', attempts = attempts + 1, worker_id = ?, lease_until = ?,
		    started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE state = 'waiting' AND run_at <= ?
			ORDER BY run_at ASC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+taskColumns,
		workerID, n+int64(lease), n, n, n,
	)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) Progress(ctx context.Context, l taskqueue.Lease, pct int, leaseUntil time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ? AND attempts = ?`,
		pct, unixNano(leaseUntil), time.Now().UTC().UnixNano(), l.TaskID, l.WorkerID, l.Attempt)
	if err != nil {
		return fmt.Errorf("progress task %s: %w", l.TaskID, err)
	}
	return s.checkFence(ctx, res, l)
}

func (s *SQLiteStore) Complete(ctx context.Context, l taskqueue.Lease, result json.RawMessage, at time.Time) error {
	n := unixNano(at)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'completed', progress = 100, result = ?, completed_at = ?, updated_at = ?,
		    lease_until = NULL, last_error = ''
		WHERE id = ? AND state = 'active' AND worker_id = ? AND attempts = ?`,
		nullJSON(result), n, n, l.TaskID, l.WorkerID, l.Attempt)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", l.TaskID, err)
	}
	return s.checkFence(ctx, res, l)
}

func (s *SQLiteStore) Retry(ctx context.Context, l taskqueue.Lease, runAt time.Time, a taskqueue.Attempt) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'waiting', run_at = ?, last_error = ?, progress = 0,
		    history = json_insert(history, '$[#]', json(?)),
		    lease_until = NULL, worker_id = '', updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ? AND attempts = ?`,
		unixNano(runAt), a.Error, string(b), unixNano(a.FinishedAt), l.TaskID, l.WorkerID, l.Attempt)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", l.TaskID, err)
	}
	return s.checkFence(ctx, res, l)
}

func (s *SQLiteStore) Fail(ctx context.Context, l taskqueue.Lease, a taskqueue.Attempt) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	n := unixNano(a.FinishedAt)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'failed', last_error = ?,
		    history = json_insert(history, '$[#]', json(?)),
		    lease_until = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ? AND attempts = ?`,
		a.Error, string(b), n, n, l.TaskID, l.WorkerID, l.Attempt)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", l.TaskID, err)
	}
	return s.checkFence(ctx, res, l)
}

// checkFence turns a zero-row transition into not-found, lease-lost or
// invalid-transition.
func (s *SQLiteStore) checkFence(ctx context.Context, res sql.Result, l taskqueue.Lease) error {
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var (
		state, worker string
		attempts      int
	)
	err := s.db.QueryRowContext(ctx, `SELECT state, worker_id, attempts FROM tasks WHERE id = ?`, l.TaskID).
		Scan(&state, &worker, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(l.TaskID)
	}
	if err != nil {
		return err
	}
	return fenceMiss(l, taskqueue.State(state), worker, attempts)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*taskqueue.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) List(ctx context.Context, state taskqueue.State, limit int) ([]*taskqueue.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, string(state))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*taskqueue.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Counts(ctx context.Context) (taskqueue.Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return taskqueue.Counts{}, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var c taskqueue.Counts
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return taskqueue.Counts{}, err
		}
		addCount(&c, taskqueue.State(state), n)
	}
	return c, rows.Err()
}

func (s *SQLiteStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state IN ('completed', 'failed') AND completed_at < ?`,
		unixNano(before))
	if err != nil {
		return 0, fmt.Errorf("purge finished tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	n := unixNano(now)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	failed, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'failed', last_error = ?, lease_until = NULL, worker_id = '',
		    completed_at = ?, updated_at = ?
		WHERE state = 'active' AND lease_until < ? AND attempts >= max_attempts`,
		taskqueue.ExpiredLeaseError, n, n, n)
	if err != nil {
		return 0, fmt.Errorf("fail expired tasks: %w", err)
	}
	requeued, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'waiting', lease_until = NULL, worker_id = '', updated_at = ?
		WHERE state = 'active' AND lease_until < ?`,
		n, n)
	if err != nil {
		return 0, fmt.Errorf("requeue expired tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	a, _ := failed.RowsAffected()
	b, _ := requeued.RowsAffected()
	return int(a + b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*taskqueue.Task, error) {
	var (
		t                                       taskqueue.Task
		state, hist                             string
		payload, result                         sql.NullString
		base, maxDelay, runAt, created, updated int64
		lease, started, completed               sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.Name, &payload, &state, &t.Progress, &result, &t.Attempts, &t.MaxAttempts,
		&base, &maxDelay, &runAt, &t.LastError, &hist, &lease, &t.WorkerID,
		&created, &updated, &started, &completed,
	)
	if err != nil {
		return nil, err
	}
	t.State = taskqueue.State(state)
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.BackoffBase = time.Duration(base)
	t.BackoffMax = time.Duration(maxDelay)
	t.RunAt = fromUnixNano(runAt)
	t.CreatedAt = fromUnixNano(created)
	t.UpdatedAt = fromUnixNano(updated)
	t.LeaseUntil = fromNullUnixNano(lease)
	t.StartedAt = fromNullUnixNano(started)
	t.CompletedAt = fromNullUnixNano(completed)
	if t.History, err = decodeHistory([]byte(hist)); err != nil {
		return nil, err
	}
	return &t, nil
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func nullUnixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullUnixNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func encodeHistory(h []taskqueue.Attempt) (string, error) {
	if len(h) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHistory(b []byte) ([]taskqueue.Attempt, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h []taskqueue.Attempt
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return h, nil
}

func addCount(c *taskqueue.Counts, st taskqueue.State, n int) {
	switch st {
	case taskqueue.StateWaiting:
		c.Waiting += n
	case taskqueue.StateActive:
		c.Active += n
	case taskqueue.StateCompleted:
		c.Completed += n
	case taskqueue.StateFailed:
		c.Failed += n
	}
}
