package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	gateway "github.com/giantswarm/mcp-gateway"
	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/internal/config"
	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/server"
	"github.com/giantswarm/mcp-gateway/session"
	"github.com/giantswarm/mcp-gateway/storage"
	"github.com/giantswarm/mcp-gateway/storage/memory"
	"github.com/giantswarm/mcp-gateway/storage/sqlite"
	"github.com/giantswarm/mcp-gateway/storage/valkey"
)

// ConfigEnv names the configuration file when --config is not given
const ConfigEnv = "MCP_GATEWAY_CONFIG"

const instrumentationShutdownTimeout = 5 * time.Second

type serveOptions struct {
	configPath string
	addr       string
	logLevel   string
}

func newServeCmd(version string) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, version, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to the YAML configuration file (default $"+ConfigEnv+")")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address, overrides server.addr")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides log.level")

	return cmd
}

// load reads the configuration file, if any, and applies flag overrides
func (o *serveOptions) load() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config, version string, logOutput io.Writer) error {
	logger := newLogger(cfg.Log, logOutput)

	gw, err := newGateway(cfg, version, logger)
	if err != nil {
		return err
	}
	gw.start()
	defer gw.stop()

	logger.Info("Starting mcp-gateway",
		"version", version,
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Backend)

	srv := gateway.NewServer(cfg.ServerConfig(), gw.router, logger)
	return srv.ListenAndServe(ctx)
}

// newLogger builds the process logger from the log section
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// store is a backend serving both grants and clients
type store interface {
	storage.GrantStore
	storage.ClientStore
}

// openStore opens the configured backend and returns it with its close function
func openStore(cfg config.StorageConfig, logger *slog.Logger) (store, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close sqlite store", "error", err)
			}
		}, nil
	case config.BackendValkey:
		vc := valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		}
		if cfg.Valkey.TLS {
			vc.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s, err := valkey.New(vc)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return s, s.Close, nil
	default:
		s := memory.New()
		return s, s.Stop, nil
	}
}

// gatewayComponents is the wired server with everything that needs stopping
type gatewayComponents struct {
	router   http.Handler
	tokens   *server.Server
	sessions *session.Registry
	limiter  *security.RateLimiter
	inst     *instrumentation.Instrumentation
	closers  []func()
	logger   *slog.Logger
}

// newGateway opens storage and wires the token service, session registry and
// HTTP handler
func newGateway(cfg *config.Config, version string, logger *slog.Logger) (*gatewayComponents, error) {
	inst, err := newInstrumentation(cfg.Metrics, version)
	if err != nil {
		return nil, err
	}

	st, closeStore, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	gw := &gatewayComponents{inst: inst, logger: logger, closers: []func(){closeStore}}
	if instrumented, ok := st.(interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}); ok {
		instrumented.SetInstrumentation(inst)
	}

	var auditor *security.Auditor
	if cfg.AuditEnabled() {
		auditor = security.NewAuditor(logger, true)
		auditor.SetInstrumentation(inst)
	}

	tokens, err := server.New(st, st, cfg.TokenConfig(cfg.Server.BaseURL), logger)
	if err != nil {
		gw.stop()
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}
	if auditor != nil {
		tokens.SetAuditor(auditor)
	}
	tokens.SetInstrumentation(inst)
	gw.tokens = tokens

	sessions := session.NewRegistry(cfg.SessionConfig(), logger)
	sessions.SetSweepHook(func(n int) {
		inst.Metrics().RecordSessionsSwept(context.Background(), n)
	})
	gw.sessions = sessions

	if err := inst.RegisterSizeCallbacks(
		func() int64 { return int64(sessions.Len()) },
		func() int64 { return int64(tokens.Codes().Len()) },
		nil,
	); err != nil {
		logger.Warn("Failed to register size metrics", "error", err)
	}

	gwConfig := cfg.GatewayConfig()
	if gwConfig.ServerVersion == "" {
		gwConfig.ServerVersion = version
	}
	directory := &gateway.StaticDirectory{Users: cfg.Directory.Users}
	handler, err := gateway.NewHandler(gwConfig, tokens, sessions, gateway.DefaultTools(directory), logger)
	if err != nil {
		gw.stop()
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}
	if auditor != nil {
		handler.SetAuditor(auditor)
	}
	gw.limiter = security.NewRateLimiter(handler.Config().RateLimits(), logger)
	handler.SetRateLimiter(gw.limiter)
	handler.SetInstrumentation(inst)
	if a := cfg.OAuth.Authenticator; a.Enabled {
		handler.SetAuthenticator(&gateway.HeaderAuthenticator{
			UserHeader:         a.UserHeader,
			OrganizationHeader: a.OrganizationHeader,
		})
		logger.Warn("Authorization endpoint trusts identity headers",
			"recommendation", "Only expose the gateway through the authenticating proxy")
	}

	r := chi.NewRouter()
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, inst.MetricsHandler())
	}
	r.Mount("/", handler.Routes())
	gw.router = r

	return gw, nil
}

func newInstrumentation(cfg config.MetricsConfig, version string) (*instrumentation.Instrumentation, error) {
	instConfig := instrumentation.Config{
		ServiceName:    instrumentation.DefaultServiceName,
		ServiceVersion: version,
		Enabled:        cfg.Enabled,
		LogClientIPs:   cfg.LogClientIPs,
	}
	if cfg.Enabled {
		instConfig.MetricsExporter = instrumentation.ExporterPrometheus
	}
	inst, err := instrumentation.New(instConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	return inst, nil
}

// start runs the background sweeps
func (g *gatewayComponents) start() {
	g.tokens.Start()
	g.sessions.Start()
}

// stop ends the background work and closes storage. Safe on a partially built gateway.
func (g *gatewayComponents) stop() {
	if g.limiter != nil {
		g.limiter.Stop()
	}
	if g.sessions != nil {
		g.sessions.Stop()
	}
	if g.tokens != nil {
		g.tokens.Stop()
	}
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}

	ctx, cancel := context.WithTimeout(context.Background(), instrumentationShutdownTimeout)
	defer cancel()
	if err := g.inst.Shutdown(ctx); err != nil {
		g.logger.Warn("Failed to shut down instrumentation", "error", err)
	}
}
