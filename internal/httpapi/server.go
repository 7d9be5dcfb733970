// Package httpapi exposes the orchestration engine over HTTP: creating,
// inspecting, and controlling executions. It is the one supported way an
// external caller drives a run; everything else in the module is a Go
// library surface.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/internal/engine"
	internallog "github.com/tombee/orchkit/internal/log"
)

// Config controls the listener and auth posture of the API server.
type Config struct {
	ListenAddr   string
	JWT          JWTConfig
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server manages the lifecycle of the orchestration HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	mu sync.RWMutex
	ln net.Listener
}

// New builds a Server dispatching to runner/be, guarded by cfg.JWT.
func New(cfg Config, runner *engine.Runner, be backend.Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = internallog.WithComponent(internallog.New(internallog.FromEnv()), "httpapi")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	h := &handlers{runner: runner, backend: be, logger: logger}

	return &Server{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Handler:      h.routes(cfg.JWT),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start listens on cfg.ListenAddr and blocks until ctx is cancelled or the
// server errors out.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("http api starting", slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully drains in-flight requests before closing the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.server.SetKeepAlivesEnabled(false)
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http api shutdown error", internallog.Error(err))
		return err
	}
	s.logger.Info("http api stopped")
	return nil
}

// Addr returns the listener's bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
