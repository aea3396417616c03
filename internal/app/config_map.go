package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"edusync/internal/articlesync"
	"edusync/internal/config"
	"edusync/internal/httpapi"
	"edusync/internal/jobs/scheduler"
	"edusync/internal/storage"
	"edusync/internal/taskqueue"
	logx "edusync/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func checkLoggingConfig(cfg *config.Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
		return nil
	}
	return fmt.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format)
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	// cron @every resolves to whole seconds.
	interval, err := config.ParseDurationAtLeast("scheduler.interval", cfg.Scheduler.Interval, scheduler.DefaultInterval, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Interval: interval, JobTimeout: timeout}, nil
}

// mapTaskQueueConfig also reports whether the workers should run.
func mapTaskQueueConfig(cfg *config.Config) (taskqueue.Config, bool, error) {
	tq := cfg.TaskQueue
	enabled := tq.Enabled == nil || *tq.Enabled

	if tq.Workers < 0 {
		return taskqueue.Config{}, false, fmt.Errorf("task_queue.workers must be >= 0")
	}
	if tq.ClaimRate < 0 || tq.ClaimBurst < 0 {
		return taskqueue.Config{}, false, fmt.Errorf("task_queue.claim_rate and claim_burst must be >= 0")
	}

	var (
		out  = taskqueue.Config{Workers: tq.Workers, ClaimRate: tq.ClaimRate, ClaimBurst: tq.ClaimBurst}
		errs []error
	)
	parse := func(dst *time.Duration, key, raw string) {
		d, err := config.ParseDurationField(key, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}
	parse(&out.PollInterval, "task_queue.poll_interval", tq.PollInterval)
	parse(&out.Lease, "task_queue.lease", tq.Lease)
	parse(&out.AttemptTimeout, "task_queue.attempt_timeout", tq.AttemptTimeout)
	parse(&out.Retention, "task_queue.retention", tq.Retention)
	parse(&out.ReapInterval, "task_queue.reap_interval", tq.ReapInterval)
	parse(&out.Policy.BackoffBase, "task_queue.backoff_base", tq.BackoffBase)
	parse(&out.Policy.BackoffMax, "task_queue.backoff_max", tq.BackoffMax)
	if len(errs) > 0 {
		return taskqueue.Config{}, false, errs[0]
	}
	out.Policy.MaxAttempts = taskqueue.DefaultMaxAttempts

	if out.AttemptTimeout > 0 && out.Lease > 0 && out.AttemptTimeout >= out.Lease {
		return taskqueue.Config{}, false, fmt.Errorf("task_queue.attempt_timeout must be shorter than task_queue.lease")
	}
	return out, enabled, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: storage.DefaultPath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}

	switch driver {
	case "", "sqlite", "sqlite3":
		out.Driver = "sqlite"
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pgx", "redis":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
	case "file":
	case "none":
		return storage.Config{}, fmt.Errorf("storage.driver=none is not supported: the task queue needs a durable store")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable.
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, 5*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapArticlesConfig(cfg *config.Config) (articlesync.FetchConfig, error) {
	a := cfg.Articles
	timeout, err := config.ParseDurationOrDefault("articles.fetch_timeout", a.FetchTimeout, articlesync.DefaultFetchTimeout)
	if err != nil {
		return articlesync.FetchConfig{}, err
	}
	if a.MaxBytes < 0 {
		return articlesync.FetchConfig{}, fmt.Errorf("articles.max_bytes must be >= 0")
	}
	return articlesync.FetchConfig{
		Timeout:      timeout,
		MaxBytes:     a.MaxBytes,
		UserAgent:    strings.TrimSpace(a.UserAgent),
		AllowedHosts: a.AllowedHosts,
	}, nil
}

// validateConfig is the hot-reload gate: a config that fails here is never
// committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := checkLoggingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTaskQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapArticlesConfig(cfg); err != nil {
		return err
	}
	return nil
}
