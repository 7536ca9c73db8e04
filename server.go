package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultShutdownTimeout bounds how long Serve waits for in-flight requests
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultReadHeaderTimeout bounds how long a client may take to send request headers
	DefaultReadHeaderTimeout = 10 * time.Second
)

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	// Addr is the TCP address to listen on, e.g. ":8080"
	Addr string

	// ShutdownTimeout is how long in-flight requests may take to finish
	ShutdownTimeout time.Duration // default: 10s

	// ReadHeaderTimeout is the http.Server ReadHeaderTimeout
	ReadHeaderTimeout time.Duration // default: 10s
}

// Server runs a handler until its context is cancelled
type Server struct {
	config ServerConfig
	http   *http.Server
	logger *slog.Logger
}

// NewServer creates a server for handler, typically Handler.Routes()
func NewServer(config ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: config,
		logger: logger,
		http: &http.Server{
			Addr:              config.Addr,
			Handler:           handler,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
	}
}

// ListenAndServe listens on the configured address and calls Serve
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. Request contexts derive from ctx, so open event streams end as
// soon as shutdown begins instead of holding it up.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server", "timeout", s.config.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
