package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "crosspost/internal/runtime/supervisor"
	logx "crosspost/pkg/logx"
)

// ServerConfig controls the admin listener. A non-loopback Addr requires
// Token unless AllowInsecure is set.
type ServerConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool // mounts net/http/pprof under /debug

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "127.0.0.1:8080"

var errInsecureBind = errors.New("non-loopback address without token or allow_insecure")

// Server keeps the admin API listening. A failed listener is retried with
// backoff and never stops the pipeline.
type Server struct {
	api *API
	log logx.Logger

	mu   sync.Mutex
	cfg  ServerConfig
	sup  *rtsup.Supervisor
	addr string
}

func NewServer(cfg ServerConfig, api *API, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{api: api, cfg: cfg, log: log}
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Running reports whether a serve loop is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Addr is the bound address, empty while not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start is a no-op when disabled or already running.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, cfg) },
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the listener down and waits for the serve loop until ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("http api stop timed out", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("http api stopped")
}

// Reconfigure restarts the listener only when its config changed.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) {
	s.mu.Lock()
	same := cfg == s.cfg && s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()
	if same {
		return
	}
	s.Stop(ctx)
	s.Start(ctx)
}

// serve runs one listener until ctx ends. Returning an error asks the
// supervisor for a restart.
func (s *Server) serve(ctx context.Context, cfg ServerConfig) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopbackAddr(addr) {
		s.log.Error("http api not started", logx.String("addr", addr), logx.Err(errInsecureBind))
		return fmt.Errorf("http api %s: %w", addr, errInsecureBind)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http api listen: %w", err)
	}
	srv := &http.Server{
		Handler:      s.api.Routes(RouteOptions{Token: cfg.Token, Pprof: cfg.Pprof}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.setAddr(ln.Addr().String())
	defer s.setAddr("")
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		return fmt.Errorf("http api serve: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
	}
	<-errc
	return ctx.Err()
}

func (s *Server) setAddr(addr string) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
