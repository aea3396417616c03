package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"edusync/internal/taskqueue"
	logx "edusync/pkg/logx"
)

// FileStore is a dependency-free persistence backend for a single process.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//
// Every mutation is appended to the journal before it is acknowledged; the
// journal is periodically compacted into the snapshot. Enqueue and terminal
// transitions fsync the journal. Claims, progress and retries only reach the
// page cache, so an OS crash can roll those back to an earlier state that
// RequeueExpired or a fresh claim then repairs.
type FileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	tasks        map[string]*taskqueue.Task

	writes       int
	compactEvery int
}

var _ taskqueue.Store = (*FileStore)(nil)

type journalRecord struct {
	Op   string          `json:"op"` // put | del
	ID   string          `json:"id,omitempty"`
	Task *taskqueue.Task `json:"task,omitempty"`
}

func OpenFile(cfg Config, log logx.Logger) (*FileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	tasks := map[string]*taskqueue.Task{}
	if err := loadTaskSnapshot(snapPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayTaskJournal(journalPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &FileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		tasks:        tasks,
		compactEvery: 500,
	}
	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		log.Debug("task journal compact failed", logx.Err(err))
	}
	s.mu.Unlock()
	return s, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journalFile.Close(); err == nil {
		err = cerr
	}
	s.journalFile = nil
	return err
}

// putLocked journals t and then makes it visible. durable forces the record to
// disk first.
func (s *FileStore) putLocked(t *taskqueue.Task, durable bool) error {
	if err := s.appendLocked(journalRecord{Op: "put", Task: t}, durable); err != nil {
		return err
	}
	s.tasks[t.ID] = t
	s.maybeCompactLocked()
	return nil
}

func (s *FileStore) deleteLocked(id string) error {
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}, false); err != nil {
		return err
	}
	delete(s.tasks, id)
	s.maybeCompactLocked()
	return nil
}

func (s *FileStore) appendLocked(r journalRecord, durable bool) error {
	if s.journalFile == nil {
		return errors.New("task journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	if durable {
		if err := s.journalFile.Sync(); err != nil {
			return err
		}
	}
	s.writes++
	return nil
}

// maybeCompactLocked runs after the map reflects every journaled record.
func (s *FileStore) maybeCompactLocked() {
	if s.compactEvery <= 0 || s.writes%s.compactEvery != 0 {
		return
	}
	// Best-effort compact.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("task journal compact failed", logx.Err(err))
	}
}

func (s *FileStore) Enqueue(_ context.Context, t *taskqueue.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return errors.New("enqueue task " + t.ID + ": duplicate id")
	}
	return s.putLocked(cloneTask(t), true)
}

func (s *FileStore) Claim(_ context.Context, workerID string, now time.Time, lease time.Duration) (*taskqueue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *taskqueue.Task
	for _, t := range s.tasks {
		if t.State != taskqueue.StateWaiting || t.RunAt.After(now) {
			continue
		}
		if next == nil || claimsBefore(t, next) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}

	t := cloneTask(next)
	now = now.UTC()
	until := now.Add(lease)
	t.State = taskqueue.StateActive
	t.Attempts++
	t.WorkerID = workerID
	t.LeaseUntil = &until
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.UpdatedAt = now
	if err := s.putLocked(t, false); err != nil {
		return nil, err
	}
	return cloneTask(t), nil
}

func claimsBefore(a, b *taskqueue.Task) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// mutateLeased applies fn to a copy of the task l still holds and journals it.
func (s *FileStore) mutateLeased(l taskqueue.Lease, durable bool, fn func(t *taskqueue.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[l.TaskID]
	if !ok {
		return notFound(l.TaskID)
	}
	if cur.State != taskqueue.StateActive || cur.WorkerID != l.WorkerID || cur.Attempts != l.Attempt {
		return fenceMiss(l, cur.State, cur.WorkerID, cur.Attempts)
	}
	t := cloneTask(cur)
	fn(t)
	return s.putLocked(t, durable)
}

func (s *FileStore) Progress(_ context.Context, l taskqueue.Lease, pct int, leaseUntil time.Time) error {
	until := leaseUntil.UTC()
	return s.mutateLeased(l, false, func(t *taskqueue.Task) {
		t.Progress = pct
		t.LeaseUntil = &until
		t.UpdatedAt = time.Now().UTC()
	})
}

func (s *FileStore) Complete(_ context.Context, l taskqueue.Lease, result json.RawMessage, at time.Time) error {
	at = at.UTC()
	return s.mutateLeased(l, true, func(t *taskqueue.Task) {
		t.State = taskqueue.StateCompleted
		t.Progress = 100
		t.Result = append(json.RawMessage(nil), result...)
		t.LastError = ""
		t.LeaseUntil = nil
		t.CompletedAt = &at
		t.UpdatedAt = at
	})
}

func (s *FileStore) Retry(_ context.Context, l taskqueue.Lease, runAt time.Time, a taskqueue.Attempt) error {
	return s.mutateLeased(l, false, func(t *taskqueue.Task) {
		t.State = taskqueue.StateWaiting
		t.RunAt = runAt.UTC()
		t.LastError = a.Error
		t.Progress = 0
		t.History = append(t.History, a)
		t.LeaseUntil = nil
		t.WorkerID = ""
		t.UpdatedAt = a.FinishedAt.UTC()
	})
}

func (s *FileStore) Fail(_ context.Context, l taskqueue.Lease, a taskqueue.Attempt) error {
	at := a.FinishedAt.UTC()
	return s.mutateLeased(l, true, func(t *taskqueue.Task) {
		t.State = taskqueue.StateFailed
		t.LastError = a.Error
		t.History = append(t.History, a)
		t.LeaseUntil = nil
		t.CompletedAt = &at
		t.UpdatedAt = at
	})
}

func (s *FileStore) Get(_ context.Context, id string) (*taskqueue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneTask(t), nil
}

func (s *FileStore) List(_ context.Context, state taskqueue.State, limit int) ([]*taskqueue.Task, error) {
	s.mu.Lock()
	out := make([]*taskqueue.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if state == "" || t.State == state {
			out = append(out, cloneTask(t))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) Counts(_ context.Context) (taskqueue.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c taskqueue.Counts
	for _, t := range s.tasks {
		addCount(&c, t.State, 1)
	}
	return c, nil
}

func (s *FileStore) PurgeFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if !t.State.IsTerminal() || t.CompletedAt == nil || !t.CompletedAt.Before(before) {
			continue
		}
		if err := s.deleteLocked(id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *FileStore) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = now.UTC()
	n := 0
	for _, cur := range s.tasks {
		if cur.State != taskqueue.StateActive || cur.LeaseUntil == nil || !cur.LeaseUntil.Before(now) {
			continue
		}
		t := cloneTask(cur)
		t.LeaseUntil = nil
		t.UpdatedAt = now
		if t.Attempts >= t.Policy().MaxAttempts {
			t.State = taskqueue.StateFailed
			t.LastError = taskqueue.ExpiredLeaseError
			t.CompletedAt = &now
		} else {
			t.State = taskqueue.StateWaiting
		}
		t.WorkerID = ""
		if err := s.putLocked(t, false); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *FileStore) compactLocked() error {
	if s.journalFile == nil {
		return nil
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	list := make([]*taskqueue.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadTaskSnapshot(path string, out map[string]*taskqueue.Task) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []*taskqueue.Task
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, t := range list {
		if t != nil && t.ID != "" {
			out[t.ID] = t
		}
	}
	return nil
}

func replayTaskJournal(path string, out map[string]*taskqueue.Task) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash; everything before it is intact.
			continue
		}
		switch r.Op {
		case "put":
			if r.Task != nil && r.Task.ID != "" {
				out[r.Task.ID] = r.Task
			}
		case "del":
			delete(out, r.ID)
		}
	}
	return sc.Err()
}

func cloneTask(t *taskqueue.Task) *taskqueue.Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.History != nil {
		cp.History = append([]taskqueue.Attempt(nil), t.History...)
	}
	cp.LeaseUntil = utcPtr(t.LeaseUntil)
	cp.StartedAt = utcPtr(t.StartedAt)
	cp.CompletedAt = utcPtr(t.CompletedAt)
	return &cp
}
