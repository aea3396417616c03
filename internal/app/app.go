// Package app wires the job registry, the scheduler, the durable task queue
// and the HTTP API into one process with hot-reloadable config.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"edusync/internal/articlesync"
	"edusync/internal/config"
	"edusync/internal/eventbus"
	"edusync/internal/httpapi"
	"edusync/internal/jobs/registry"
	"edusync/internal/jobs/scheduler"
	"edusync/internal/runtime/supervisor"
	"edusync/internal/storage"
	"edusync/internal/taskqueue"
	logx "edusync/pkg/logx"
	"edusync/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store taskqueue.Store
	reg   *registry.Registry
	sched *scheduler.Service
	queue *taskqueue.Queue
	http  *httpapi.Service

	queueEnabled bool
}

// New loads the config at cfgPath, opens the task store and builds every
// component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.Comp("app"))
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, log.With(logx.Comp("storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open task store: %w", err)
	}
	appLog.Info("task store opened", logx.String("driver", sc.Driver))

	schedCfg, _ := mapSchedulerConfig(cfg)
	qCfg, qEnabled, _ := mapTaskQueueConfig(cfg)
	fetchCfg, _ := mapArticlesConfig(cfg)
	httpCfg, _ := mapHTTPConfig(cfg)

	reg := registry.New(registry.WithBus(bus))
	registerDefaultJobs(reg, log.With(logx.Comp("jobs")))
	sched := scheduler.New(schedCfg, reg, log.With(logx.Comp("scheduler")), bus)
	queue := taskqueue.New(store, qCfg, log.With(logx.Comp("taskqueue")), bus)
	articlesync.Register(queue,
		articlesync.NewHTTPFetcher(fetchCfg),
		articlesync.LogSink{Log: log.With(logx.Comp("articles"))},
		log.With(logx.Comp("articlesync")),
	)
	api := httpapi.New(httpCfg, httpapi.Deps{Registry: reg, Scheduler: sched, Queue: queue}, log.With(logx.Comp("http")))

	return &App{
		cfgm:         cfgm,
		log:          appLog,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		reg:          reg,
		sched:        sched,
		queue:        queue,
		http:         api,
		queueEnabled: qEnabled,
	}, nil
}

// Registry is where the platform registers in-memory job handlers.
func (a *App) Registry() *registry.Registry { return a.reg }

// Queue is where the platform registers durable task handlers.
func (a *App) Queue() *taskqueue.Queue { return a.queue }

// Addr is the bound HTTP API address, empty when the API is disabled.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.cfgm.SetValidator(validateConfig)

	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start http api: %w", err)
	}
	if a.queueEnabled {
		a.queue.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
		return nil
	})

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("task_queue", a.queueEnabled),
		logx.String("http", a.http.Addr()),
	)
	return nil
}

// applyConfig applies a validated reload to the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed("scheduler") {
		sc, err := mapSchedulerConfig(next)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			wasEnabled := a.sched.Enabled()
			a.sched.Apply(sc)
			switch {
			case wasEnabled && !sc.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
				a.log.Info("scheduler disabled via config")
			case !wasEnabled && sc.Enabled:
				a.sched.Start(ctx)
				a.log.Info("scheduler enabled via config")
			}
		}
	}

	if changed("task_queue") {
		qc, enabled, err := mapTaskQueueConfig(next)
		if err != nil {
			a.log.Warn("invalid task_queue config; keeping previous", logx.Err(err))
		} else {
			a.queue.Apply(qc)
			switch {
			case a.queueEnabled && !enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				_ = a.queue.Stop(stopCtx)
				cancel()
				a.log.Info("task queue workers disabled via config")
			case !a.queueEnabled && enabled:
				a.queue.Start(ctx)
				a.log.Info("task queue workers enabled via config")
			}
			a.queueEnabled = enabled
		}
	}

	if changed("articles") {
		if fc, err := mapArticlesConfig(next); err != nil {
			a.log.Warn("invalid articles config; keeping previous", logx.Err(err))
		} else {
			articlesync.Register(a.queue, articlesync.NewHTTPFetcher(fc), articlesync.LogSink{Log: a.log}, a.log)
		}
	}

	if changed("http") {
		hc, err := mapHTTPConfig(next)
		if err == nil {
			err = a.http.Reconfigure(ctx, hc)
		}
		if err != nil {
			a.log.Warn("http api reconfigure failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order: intake first, then the
// workers, then the store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	_, _ = systemd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errsOut []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedCtx(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errsOut = append(errsOut, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("http", 5*time.Second, a.http.Stop)
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskqueue", 15*time.Second, a.queue.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errsOut...)
}

// boundedCtx never extends the caller's deadline.
func boundedCtx(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, max)
}
