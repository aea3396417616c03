package config

import (
	"reflect"
	"sort"
	"strings"

	logx "edusync/pkg/logx"
)

// SummarizeConfigChange returns the sorted names of changed sections and
// structured attrs safe to log. Tokens and DSNs are reported only as "set".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
			logx.String("scheduler.job_timeout", strings.TrimSpace(newCfg.Scheduler.JobTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskQueue, newCfg.TaskQueue) {
		changed = append(changed, "task_queue")
		tq := newCfg.TaskQueue
		attrs = append(attrs,
			logx.Bool("task_queue.enabled", tq.Enabled == nil || *tq.Enabled),
			logx.Int("task_queue.workers", tq.Workers),
			logx.String("task_queue.backoff_base", strings.TrimSpace(tq.BackoffBase)),
			logx.String("task_queue.lease", strings.TrimSpace(tq.Lease)),
			logx.String("task_queue.retention", strings.TrimSpace(tq.Retention)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Articles, newCfg.Articles) {
		changed = append(changed, "articles")
		attrs = append(attrs,
			logx.String("articles.fetch_timeout", strings.TrimSpace(newCfg.Articles.FetchTimeout)),
			logx.Int64("articles.max_bytes", newCfg.Articles.MaxBytes),
			logx.Int("articles.allowed_hosts", len(newCfg.Articles.AllowedHosts)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
