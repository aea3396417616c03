package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "5s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	Articles  ArticlesConfig  `json:"articles"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console (default) or json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the periodic job processing cycle.
//
// Defaults (when fields are omitted/zero):
//   - interval: "5s"
//   - job_timeout: "0s" (disabled)
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Interval   string `json:"interval,omitempty"`
	JobTimeout string `json:"job_timeout,omitempty"`
}

// TaskQueueConfig controls the durable task queue workers and the default
// retry policy.
//
// Enabled is a pointer so an omitted section still runs the workers.
//
// Defaults:
//   - workers: 1
//   - poll_interval: "500ms"
//   - lease: "5m"
//   - claim_rate: 0 (unlimited)
//   - attempt_timeout: "0s" (disabled)
//   - retention: "0s" (keep finished tasks)
//   - reap_interval: "30s"
//   - backoff_base: "1s"
//
// Every task gets three attempts; only the backoff is tunable.
//   - backoff_max: "0s" (uncapped)
type TaskQueueConfig struct {
	Enabled        *bool   `json:"enabled,omitempty"`
	Workers        int     `json:"workers,omitempty"`
	PollInterval   string  `json:"poll_interval,omitempty"`
	Lease          string  `json:"lease,omitempty"`
	ClaimRate      float64 `json:"claim_rate,omitempty"`
	ClaimBurst     int     `json:"claim_burst,omitempty"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty"`
	Retention      string  `json:"retention,omitempty"`
	ReapInterval   string  `json:"reap_interval,omitempty"`
	BackoffBase    string  `json:"backoff_base,omitempty"`
	BackoffMax     string  `json:"backoff_max,omitempty"`
}

// StorageConfig selects the durable queue substrate.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/edusync.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://edusync@db/edusync" }
//	"storage": { "driver": "redis", "dsn": "redis://cache:6379/2" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// HTTPConfig controls the status API.
//
// Security note:
//   - Prefer binding to localhost.
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// ArticlesConfig tunes the article.sync handler.
type ArticlesConfig struct {
	FetchTimeout string   `json:"fetch_timeout,omitempty"` // default: "30s"
	MaxBytes     int64    `json:"max_bytes,omitempty"`     // default: 8 MiB
	UserAgent    string   `json:"user_agent,omitempty"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"` // empty = any host
}
