package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edusync/internal/app"
	logx "edusync/pkg/logx"
	"edusync/pkg/systemd"
)

func main() {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "max time to drain workers on shutdown")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	// Until the config is loaded only a console logger exists.
	boot := logx.NewConsole("info").With(logx.Comp("main"))

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		_ = stop(a, app.StopStartFailure, stopTimeout)
		os.Exit(1)
	}
	_, _ = systemd.Ready()
	_, _ = systemd.Status("running")

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	code := 0
	if reason == app.StopFatalError {
		boot.Error("fatal error", logx.Err(a.Err()))
		code = 1
	}
	if err := stop(a, reason, stopTimeout); err != nil {
		fmt.Fprintln(os.Stderr, "edusync: stop:", err)
		code = 1
	}
	os.Exit(code)
}

func stop(a *app.App, reason app.StopReason, timeout time.Duration) error {
	_, _ = systemd.Status("stopping")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Stop(ctx, reason)
}
