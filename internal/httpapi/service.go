// Package httpapi serves the status API the platform polls: job registry
// state, durable task status and submission endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"edusync/internal/runtime/supervisor"
	logx "edusync/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Config controls the API server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

var ErrInsecureBind = errors.New("httpapi: non-loopback addr requires token or allow_insecure")

type Service struct {
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	addr string
	sup  *supervisor.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Log.IsZero() {
		deps.Log = log
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, empty while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens and serves in the background. The listener is bound before
// Start returns so bind errors surface to the caller. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           NewRouter(s.deps, cfg.Token, cfg.Pprof),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
			return nil
		}
		return err
	})
	s.srv = srv
	s.sup = sup
	s.addr = ln.Addr().String()
	s.log.Info("http api started",
		logx.String("addr", s.addr),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	return nil
}

// Stop shuts the server down gracefully, bounded by ctx and ShutdownTimeout.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup, cfg := s.srv, s.sup, s.cfg
	s.srv, s.sup, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	sctx := ctx
	if cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, cfg.ShutdownTimeout)
		defer cancel()
	}
	err := srv.Shutdown(sctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	s.log.Info("http api stopped", logx.Err(err))
	return err
}

// Reconfigure applies cfg, restarting the server when a listener setting changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			return s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		if err := s.Stop(ctx); err != nil {
			s.log.Warn("http api stop before restart failed", logx.Err(err))
		}
		return s.Start(ctx)
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
