package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"edusync/internal/config"
	"edusync/internal/jobs/registry"
	"edusync/internal/taskqueue"
)

func boolPtr(b bool) *bool { return &b }

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "zero config is valid"},
		{
			name:    "scheduler interval below one second",
			mutate:  func(c *config.Config) { c.Scheduler.Interval = "500ms" },
			wantErr: "scheduler.interval",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *config.Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "bad job timeout",
			mutate:  func(c *config.Config) { c.Scheduler.JobTimeout = "soon" },
			wantErr: "scheduler.job_timeout",
		},
		{
			name:    "negative workers",
			mutate:  func(c *config.Config) { c.TaskQueue.Workers = -1 },
			wantErr: "task_queue.workers",
		},
		{
			name: "attempt timeout not shorter than lease",
			mutate: func(c *config.Config) {
				c.TaskQueue.Lease = "1m"
				c.TaskQueue.AttemptTimeout = "1m"
			},
			wantErr: "attempt_timeout",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "postgres"} },
			wantErr: "storage.dsn",
		},
		{
			name:    "redis without dsn",
			mutate:  func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "redis"} },
			wantErr: "storage.dsn",
		},
		{
			name:    "storage none",
			mutate:  func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "none"} },
			wantErr: "storage.driver=none",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "mongo"} },
			wantErr: "unknown storage.driver",
		},
		{
			name:    "bad http timeout",
			mutate:  func(c *config.Config) { c.HTTP.IdleTimeout = "x" },
			wantErr: "http.idle_timeout",
		},
		{
			name:    "negative max bytes",
			mutate:  func(c *config.Config) { c.Articles.MaxBytes = -1 },
			wantErr: "articles.max_bytes",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			if tc.mutate != nil {
				tc.mutate(cfg)
			}
			err := validateConfig(context.Background(), cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestMapTaskQueueConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{TaskQueue: config.TaskQueueConfig{
		Workers:      3,
		PollInterval: "250ms",
		Lease:        "2m",
		BackoffBase:  "3s",
		BackoffMax:   "1m",
	}}
	qc, enabled, err := mapTaskQueueConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !enabled {
		t.Fatalf("omitted enabled should default to true")
	}
	if qc.Workers != 3 || qc.PollInterval != 250*time.Millisecond || qc.Lease != 2*time.Minute {
		t.Fatalf("unexpected mapping: %+v", qc)
	}
	want := taskqueue.Policy{MaxAttempts: taskqueue.DefaultMaxAttempts, BackoffBase: 3 * time.Second, BackoffMax: time.Minute}
	if qc.Policy != want {
		t.Fatalf("policy = %+v, want %+v", qc.Policy, want)
	}

	cfg.TaskQueue.Enabled = boolPtr(false)
	if _, enabled, _ := mapTaskQueueConfig(cfg); enabled {
		t.Fatalf("explicit enabled=false ignored")
	}
}

func TestExampleConfigKeepsFixedAttempts(t *testing.T) {
	t.Parallel()

	cfg, err := config.NewManager(filepath.Join("..", "..", "config.example.yaml")).Parse()
	if err != nil {
		t.Fatalf("parse example config: %v", err)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
	qc, _, err := mapTaskQueueConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if qc.Policy.MaxAttempts != 3 || qc.Policy.BackoffBase != 2*time.Second {
		t.Fatalf("policy = %+v", qc.Policy)
	}
}

func TestMapStorageConfigDefaults(t *testing.T) {
	t.Parallel()

	sc, err := mapStorageConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "sqlite" || sc.Path == "" {
		t.Fatalf("nil storage section should default to sqlite, got %+v", sc)
	}

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite3", Path: " ./q.db ", BusyTimeout: "2s"}})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "sqlite" || sc.Path != "./q.db" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("unexpected mapping: %+v", sc)
	}
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`logging:
  level: debug
  format: json
  file:
    enabled: true
    path: %s
scheduler:
  enabled: true
  interval: 1s
task_queue:
  workers: 2
  poll_interval: 10ms
  lease: 1m
  backoff_base: 10ms
storage:
  driver: sqlite
  path: %s
http:
  enabled: true
  addr: 127.0.0.1:0
`, filepath.Join(dir, "edusync.log"), filepath.Join(dir, "queue.db"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppEndToEnd(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := New(ctx, writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}

	ran := make(chan string, 1)
	a.Registry().RegisterHandler(registry.KindCacheWarmup, func(_ context.Context, j registry.Job) (any, error) {
		ran <- j.ID
		return map[string]int{"warmed": 1}, nil
	})
	a.Queue().Register("test.echo", func(_ context.Context, task *taskqueue.Task, progress taskqueue.ProgressFunc) (any, error) {
		var in map[string]string
		if err := task.Decode(&in); err != nil {
			return nil, taskqueue.NoRetry(err)
		}
		_ = progress(100)
		return in, nil
	})

	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = a.Stop(context.Background(), StopAppStop)
		}
	})

	resp, err := http.Get("http://" + a.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	jobID := a.Registry().Enqueue(registry.KindCacheWarmup, map[string]string{"scope": "courses"})
	select {
	case got := <-ran:
		if got != jobID {
			t.Fatalf("ran job %s, want %s", got, jobID)
		}
	case <-ctx.Done():
		t.Fatal("scheduler never dispatched the job")
	}

	taskID, err := a.Queue().Submit(ctx, "test.echo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := a.Queue().Status(ctx, taskID)
		if err != nil {
			t.Fatal(err)
		}
		if st.State == taskqueue.StateCompleted {
			if st.Progress != 100 {
				t.Fatalf("progress = %d, want 100", st.Progress)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %s", st.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	stopped = true
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}

func TestAppRunsEveryJobKind(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := New(ctx, writeConfig(t, t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	ids := map[registry.Kind]string{}
	for _, kind := range registry.Kinds() {
		ids[kind] = a.Registry().Enqueue(kind, map[string]string{"course": "algebra"})
	}

	for kind, id := range ids {
		for {
			j, err := a.Registry().Get(id)
			if err != nil {
				t.Fatal(err)
			}
			if j.Status == registry.StatusFailed {
				t.Fatalf("%s failed: %s", kind, j.Error)
			}
			if j.Status == registry.StatusCompleted {
				var got jobReceipt
				if err := json.Unmarshal(j.Result, &got); err != nil || got.Kind != kind || got.DataBytes == 0 {
					t.Fatalf("%s result = %s (%v)", kind, j.Result, err)
				}
				break
			}
			if ctx.Err() != nil {
				t.Fatalf("%s stuck in %s", kind, j.Status)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"scheduler":{"interval":"10ms"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), path); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("err = %v, want invalid config", err)
	}
}
