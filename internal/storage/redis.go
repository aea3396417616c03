package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"edusync/internal/errs"
	"edusync/internal/taskqueue"
	logx "edusync/pkg/logx"
)

// RedisStore keeps every task as a JSON string and indexes its id in one
// sorted set per state:
//   - waiting by run_at
//   - active by lease_until
//   - completed and failed by completed_at
//
// A further set orders all tasks by created_at. Scores are unix milliseconds;
// ties are settled on the full timestamps after loading. Transitions run as
// WATCH/MULTI transactions, so workers in several processes can share one
// Redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
	owned  bool
}

var _ taskqueue.Store = (*RedisStore)(nil)

const (
	redisKeyPrefix = "edusync:"
	redisTxRetries = 64
)

var errRedisContention = errors.New("redis: transaction retries exhausted")

// OpenRedis connects to cfg.DSN, e.g. "redis://localhost:6379/0".
func OpenRedis(ctx context.Context, cfg Config, log logx.Logger) (*RedisStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = int(cfg.MaxConns)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	s := NewRedisFromClient(rdb, log)
	s.owned = true
	return s, nil
}

// NewRedisFromClient wraps a client the caller owns; Close leaves it open.
func NewRedisFromClient(rdb redis.UniversalClient, log logx.Logger) *RedisStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisStore{rdb: rdb, prefix: redisKeyPrefix, log: log}
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil || !s.owned {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisStore) taskKey(id string) string { return s.prefix + "task:" + id }

func (s *RedisStore) stateKey(st taskqueue.State) string { return s.prefix + "state:" + string(st) }

func (s *RedisStore) allKey() string { return s.prefix + "tasks" }

func msScore(t time.Time) float64 { return float64(t.UTC().UnixMilli()) }

func msMax(t time.Time) string { return strconv.FormatInt(t.UTC().UnixMilli(), 10) }

// indexScore is the position of t in its state's set.
func indexScore(t *taskqueue.Task) float64 {
	at := t.RunAt
	switch {
	case t.State == taskqueue.StateActive && t.LeaseUntil != nil:
		at = *t.LeaseUntil
	case t.State.IsTerminal() && t.CompletedAt != nil:
		at = *t.CompletedAt
	}
	return msScore(at)
}

// watch runs fn under WATCH on keys and reruns it while another client wins
// the race.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	s.log.Warn("redis transaction gave up under contention", logx.Any("keys", keys))
	return errRedisContention
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, id string) (*taskqueue.Task, error) {
	b, err := c.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get task %s: %w", id, err)
	}
	var t taskqueue.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("redis: decode task %s: %w", id, err)
	}
	return &t, nil
}

// commit writes t and moves its index entry from the from set to the set of
// its current state.
func (s *RedisStore) commit(ctx context.Context, tx *redis.Tx, t *taskqueue.Task, from taskqueue.State) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.taskKey(t.ID), b, 0)
		p.ZRem(ctx, s.stateKey(from), t.ID)
		p.ZAdd(ctx, s.stateKey(t.State), redis.Z{Score: indexScore(t), Member: t.ID})
		return nil
	})
	return err
}

func (s *RedisStore) Enqueue(ctx context.Context, t *taskqueue.Task) error {
	t = cloneTask(t)
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.taskKey(t.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: enqueue task: %w", err)
	}
	if !ok {
		return fmt.Errorf("enqueue task %s: duplicate id", t.ID)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.stateKey(t.State), redis.Z{Score: indexScore(t), Member: t.ID})
		p.ZAdd(ctx, s.allKey(), redis.Z{Score: msScore(t.CreatedAt), Member: t.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: index task %s: %w", t.ID, err)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*taskqueue.Task, error) {
	now = now.UTC()
	var claimed *taskqueue.Task
	err := s.watch(ctx, func(tx *redis.Tx) error {
		claimed = nil
		t, err := s.nextWaiting(ctx, tx, now)
		if err != nil || t == nil {
			return err
		}
		until := now.Add(lease)
		t.State = taskqueue.StateActive
		t.Attempts++
		t.WorkerID = workerID
		t.LeaseUntil = &until
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.UpdatedAt = now
		if err := s.commit(ctx, tx, t, taskqueue.StateWaiting); err != nil {
			return err
		}
		claimed = t
		return nil
	}, s.stateKey(taskqueue.StateWaiting))
	if err != nil {
		return nil, fmt.Errorf("redis: claim task: %w", err)
	}
	return claimed, nil
}

// nextWaiting loads the claimable task that sorts first by run_at, created_at
// and id, and adds its key to the watch set.
func (s *RedisStore) nextWaiting(ctx context.Context, tx *redis.Tx, now time.Time) (*taskqueue.Task, error) {
	key := s.stateKey(taskqueue.StateWaiting)
	head, err := tx.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: msMax(now), Count: 1}).Result()
	if err != nil || len(head) == 0 {
		return nil, err
	}
	score := strconv.FormatFloat(head[0].Score, 'f', -1, 64)
	ids, err := tx.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	if err := tx.Watch(ctx, keys...).Err(); err != nil {
		return nil, err
	}

	var next *taskqueue.Task
	for _, id := range ids {
		t, err := s.load(ctx, tx, id)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.State != taskqueue.StateWaiting || t.RunAt.After(now) {
			continue
		}
		if next == nil || claimsBefore(t, next) {
			next = t
		}
	}
	return next, nil
}

// mutateLeased applies fn to the task l still holds and commits it.
func (s *RedisStore) mutateLeased(ctx context.Context, l taskqueue.Lease, fn func(t *taskqueue.Task)) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, l.TaskID)
		if err != nil {
			return err
		}
		if cur.State != taskqueue.StateActive || cur.WorkerID != l.WorkerID || cur.Attempts != l.Attempt {
			return fenceMiss(l, cur.State, cur.WorkerID, cur.Attempts)
		}
		fn(cur)
		return s.commit(ctx, tx, cur, taskqueue.StateActive)
	}, s.taskKey(l.TaskID))
}

func (s *RedisStore) Progress(ctx context.Context, l taskqueue.Lease, pct int, leaseUntil time.Time) error {
	until := leaseUntil.UTC()
	return s.mutateLeased(ctx, l, func(t *taskqueue.Task) {
		t.Progress = pct
		t.LeaseUntil = &until
		t.UpdatedAt = time.Now().UTC()
	})
}

func (s *RedisStore) Complete(ctx context.Context, l taskqueue.Lease, result json.RawMessage, at time.Time) error {
	at = at.UTC()
	return s.mutateLeased(ctx, l, func(t *taskqueue.Task) {
		t.State = taskqueue.StateCompleted
		t.Progress = 100
		t.Result = append(json.RawMessage(nil), result...)
		t.LastError = ""
		t.LeaseUntil = nil
		t.CompletedAt = &at
		t.UpdatedAt = at
	})
}

func (s *RedisStore) Retry(ctx context.Context, l taskqueue.Lease, runAt time.Time, a taskqueue.Attempt) error {
	return s.mutateLeased(ctx, l, func(t *taskqueue.Task) {
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

func (s *RedisStore) Fail(ctx context.Context, l taskqueue.Lease, a taskqueue.Attempt) error {
	at := a.FinishedAt.UTC()
	return s.mutateLeased(ctx, l, func(t *taskqueue.Task) {
		t.State = taskqueue.StateFailed
		t.LastError = a.Error
		t.History = append(t.History, a)
		t.LeaseUntil = nil
		t.CompletedAt = &at
		t.UpdatedAt = at
	})
}

func (s *RedisStore) Get(ctx context.Context, id string) (*taskqueue.Task, error) {
	return s.load(ctx, s.rdb, id)
}

func (s *RedisStore) List(ctx context.Context, state taskqueue.State, limit int) ([]*taskqueue.Task, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list tasks: %w", err)
	}

	out := make([]*taskqueue.Task, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // purged between the two reads
		}
		var t taskqueue.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("redis: decode task: %w", err)
		}
		if state == "" || t.State == state {
			out = append(out, &t)
		}
	}
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

func (s *RedisStore) Counts(ctx context.Context) (taskqueue.Counts, error) {
	states := []taskqueue.State{taskqueue.StateWaiting, taskqueue.StateActive, taskqueue.StateCompleted, taskqueue.StateFailed}
	cmds := make([]*redis.IntCmd, len(states))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, st := range states {
			cmds[i] = p.ZCard(ctx, s.stateKey(st))
		}
		return nil
	})
	if err != nil {
		return taskqueue.Counts{}, fmt.Errorf("redis: count tasks: %w", err)
	}
	var c taskqueue.Counts
	for i, st := range states {
		addCount(&c, st, int(cmds[i].Val()))
	}
	return c, nil
}

func (s *RedisStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	n := 0
	for _, st := range []taskqueue.State{taskqueue.StateCompleted, taskqueue.StateFailed} {
		ids, err := s.rdb.ZRangeByScore(ctx, s.stateKey(st), &redis.ZRangeBy{Min: "-inf", Max: msMax(before)}).Result()
		if err != nil {
			return n, fmt.Errorf("redis: purge finished tasks: %w", err)
		}
		for _, id := range ids {
			purged := false
			err := s.watch(ctx, func(tx *redis.Tx) error {
				purged = false
				t, err := s.load(ctx, tx, id)
				if errors.Is(err, errs.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				if !t.State.IsTerminal() || t.CompletedAt == nil || !t.CompletedAt.Before(before) {
					return nil
				}
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Del(ctx, s.taskKey(id))
					p.ZRem(ctx, s.stateKey(t.State), id)
					p.ZRem(ctx, s.allKey(), id)
					return nil
				})
				purged = err == nil
				return err
			}, s.taskKey(id))
			if err != nil {
				return n, fmt.Errorf("redis: purge task %s: %w", id, err)
			}
			if purged {
				n++
			}
		}
	}
	return n, nil
}

func (s *RedisStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	ids, err := s.rdb.ZRangeByScore(ctx, s.stateKey(taskqueue.StateActive), &redis.ZRangeBy{Min: "-inf", Max: msMax(now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: scan expired leases: %w", err)
	}
	n := 0
	for _, id := range ids {
		moved := false
		err := s.watch(ctx, func(tx *redis.Tx) error {
			moved = false
			t, err := s.load(ctx, tx, id)
			if errors.Is(err, errs.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if t.State != taskqueue.StateActive || t.LeaseUntil == nil || !t.LeaseUntil.Before(now) {
				return nil
			}
			t.LeaseUntil = nil
			t.WorkerID = ""
			t.UpdatedAt = now
			if t.Attempts >= t.Policy().MaxAttempts {
				t.State = taskqueue.StateFailed
				t.LastError = taskqueue.ExpiredLeaseError
				t.CompletedAt = &now
			} else {
				t.State = taskqueue.StateWaiting
			}
			if err := s.commit(ctx, tx, t, taskqueue.StateActive); err != nil {
				return err
			}
			moved = true
			return nil
		}, s.taskKey(id))
		if err != nil {
			return n, fmt.Errorf("redis: requeue task %s: %w", id, err)
		}
		if moved {
			n++
		}
	}
	return n, nil
}
