// Package httpserver wraps http.Server with environment-backed config and
// graceful shutdown, sized for the pipeline's internal admin surface.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

var (
	ErrStart    = errors.New("failed to start HTTP server")
	ErrShutdown = errors.New("failed to shutdown HTTP server gracefully")
)

// Config holds HTTP server settings.
type Config struct {
	Addr            string        `env:"ADMIN_HTTP_ADDR" envDefault:":8081"`
	ReadTimeout     time.Duration `env:"ADMIN_HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"ADMIN_HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"ADMIN_HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"ADMIN_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Server runs one HTTP listener and shuts it down when its context ends.
// Signal handling belongs to the caller; the server only watches ctx.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a server from config. A nil logger falls back to the default.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8081"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, logger: logger}
}

// Run starts the listener and blocks until ctx is cancelled or the server
// fails. On cancellation, in-flight requests get ShutdownTimeout to finish.
// The return signature fits errgroup.Group.Go.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Join(ErrShutdown, err)
		}
		<-errCh

		s.logger.Info("http server stopped", slog.String("addr", s.cfg.Addr))
		return nil

	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(ErrStart, err)
		}
		return nil
	}
}
