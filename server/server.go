package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/storage"
)

// Server is the OAuth token service. It issues, validates, refreshes and revokes
// opaque tokens backed by a GrantStore, and runs the authorization code flow
// against an in-process CodeCache.
type Server struct {
	grants  storage.GrantStore
	clients storage.ClientStore
	codes   *CodeCache

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time

	stopPurge chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a new token service
func New(grants storage.GrantStore, clients storage.ClientStore, config *Config, logger *slog.Logger) (*Server, error) {
	if grants == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	return &Server{
		grants:    grants,
		clients:   clients,
		codes:     NewCodeCache(config.CodeSweepInterval, logger),
		Config:    config,
		Logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer(""),
		now:       time.Now,
		stopPurge: make(chan struct{}),
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables metrics and tracing for token operations
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
		s.codes.onSweep = func(n int) {
			inst.Metrics().RecordCodesSwept(context.Background(), n)
		}
	}
}

// Codes returns the authorization code cache
func (s *Server) Codes() *CodeCache {
	return s.codes
}

// Start launches the background housekeeping: the authorization code sweep and
// the expired access token purge. Safe to call more than once.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.codes.Start()
		go s.purgeLoop()
	})
}

// Stop ends the background housekeeping. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.codes.Stop()
		close(s.stopPurge)
	})
}

func (s *Server) purgeLoop() {
	ticker := time.NewTicker(s.Config.TokenPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeExpiredTokens(context.Background())
		case <-s.stopPurge:
			return
		}
	}
}

func (s *Server) purgeExpiredTokens(ctx context.Context) {
	n, err := s.grants.DeleteExpiredAccessTokens(ctx, s.now())
	if err != nil {
		s.Logger.Warn("Failed to purge expired access tokens", "error", err)
		return
	}
	if n > 0 {
		s.Logger.Debug("Purged expired access tokens", "count", n)
	}
}

// GenerateToken returns a new opaque token: 32 random bytes, unpadded base64url
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// HashToken returns the lowercase hex SHA-256 of a token, the only form in
// which tokens and codes are stored
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "oauth."+name, trace.WithAttributes(attrs...))
}

// metrics returns the recorder, or nil when instrumentation is disabled
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}
