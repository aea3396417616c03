package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "scheduler": {"enabled": true, "interval": "5s", "job_timeout": "30s"},
  "task_queue": {"workers": 2, "backoff_base": "1s"},
  "storage": {"driver": "sqlite", "path": "./data/edusync.db"},
  "http": {"enabled": true, "addr": "127.0.0.1:8080"},
  "articles": {"fetch_timeout": "10s"}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  interval: 5s
  job_timeout: 30s
task_queue:
  workers: 2
  backoff_base: 1s
storage:
  driver: sqlite
  path: ./data/edusync.db
http:
  enabled: true
  addr: 127.0.0.1:8080
articles:
  fetch_timeout: 10s
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()
	j, err := Decode("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	y, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !reflect.DeepEqual(j, y) {
		t.Fatalf("json and yaml differ:\n%+v\n%+v", j, y)
	}
	if j.TaskQueue.Workers != 2 || j.Storage.Driver != "sqlite" || j.Scheduler.Interval != "5s" {
		t.Fatalf("decoded = %+v", j)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, data, wantErr string
	}{
		{"unknown field", "c.json", `{"scheduler": {"enabled": true, "workers": 4}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yml", "scheduler: [", "yaml"},
		{"unknown yaml field", "c.yml", "telegram:\n  token: x\n", "unknown field"},
		{"attempt bound is not configurable", "c.yml", "task_queue:\n  max_attempts: 5\n", "unknown field"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.file, []byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, 5 * time.Second, false},
		{"0s", 5 * time.Second, 5 * time.Second, false},
		{" 250ms ", 0, 250 * time.Millisecond, false},
		{"1m", time.Second, time.Minute, false},
		{"off", time.Minute, time.Minute, false},
		{"-1s", 0, 0, true},
		{"soon", 0, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, tt.def)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err = %v", tt.raw, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("%q = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if _, err := ParseDurationField("task_queue.lease", "nope"); err == nil || !strings.Contains(err.Error(), "task_queue.lease") {
		t.Fatalf("error should name the key: %v", err)
	}
	if _, err := ParseDurationAtLeast("scheduler.interval", "500ms", 5*time.Second, time.Second); err == nil {
		t.Fatal("500ms should be below the 1s floor")
	}
	if d, err := ParseDurationAtLeast("scheduler.interval", "", 5*time.Second, time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default under floor check = %v, %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	next, _ := Decode("c.json", []byte(sampleJSON))

	if sections, _ := SummarizeConfigChange(old, next); len(sections) != 0 {
		t.Fatalf("identical configs changed %v", sections)
	}

	next.Scheduler.Interval = "10s"
	next.Storage.DSN = "postgres://secret@db/edusync"
	next.HTTP.Token = "hunter2"
	sections, attrs := SummarizeConfigChange(old, next)
	if want := []string{"http", "scheduler", "storage"}; !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	if sections, _ := SummarizeConfigChange(nil, next); len(sections) == 0 {
		t.Fatal("nil old config should report changes")
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "edusync.json")
	writeFile(t, path, sampleJSON)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("unchanged reload = %v, %v", published, err)
	}

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.TaskQueue.Workers < 0 {
			return errors.New("task_queue.workers must be >= 0")
		}
		return nil
	})
	writeFile(t, path, strings.Replace(sampleJSON, `"workers": 2`, `"workers": -1`, 1))
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if m.Get().TaskQueue.Workers != 2 {
		t.Fatal("rejected config was committed")
	}

	writeFile(t, path, strings.Replace(sampleJSON, `"workers": 2`, `"workers": 4`, 1))
	published, err = m.Reload(context.Background())
	if err != nil || !published {
		t.Fatalf("reload = %v, %v", published, err)
	}
	select {
	case cfg := <-sub:
		if cfg.TaskQueue.Workers != 4 {
			t.Fatalf("published workers = %d", cfg.TaskQueue.Workers)
		}
	default:
		t.Fatal("no config published")
	}
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("got %+v, want newest", got)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "edusync.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, strings.Replace(sampleYAML, "workers: 2", "workers: 6", 1))

	select {
	case cfg := <-sub:
		if cfg.TaskQueue.Workers != 6 {
			t.Fatalf("workers = %d", cfg.TaskQueue.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not publish the change")
	}
}
