package storage

import (
	"context"
	"errors"
	"strings"

	"edusync/internal/taskqueue"
	logx "edusync/pkg/logx"
)

// Open initializes the configured substrate and applies its migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (taskqueue.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, cfg, log)
	case "redis":
		return OpenRedis(ctx, cfg, log)
	case "file":
		return OpenFile(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
