package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	gateway "github.com/giantswarm/mcp-gateway"
	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/server"
	"github.com/giantswarm/mcp-gateway/session"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendValkey = "valkey"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// DefaultAddr is the listen address used when server.addr is empty
const DefaultAddr = ":8080"

// DefaultMetricsPath is where Prometheus metrics are served when enabled
const DefaultMetricsPath = "/metrics"

// Config is the mcp-gateway configuration file
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	MCP        MCPConfig        `yaml:"mcp"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Audit      AuditConfig      `yaml:"audit"`
	Directory  DirectoryConfig  `yaml:"directory"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	Addr              string   `yaml:"addr"`
	BaseURL           string   `yaml:"base_url"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	TrustProxy        bool     `yaml:"trust_proxy"`
	TrustedProxyCount int      `yaml:"trusted_proxy_count"`
}

// MCPConfig holds transport settings of the /mcp endpoint
type MCPConfig struct {
	AllowedOrigins     []string `yaml:"allowed_origins"`
	ProtocolVersions   []string `yaml:"protocol_versions"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	SSERetry           Duration `yaml:"sse_retry"`
	ServerName         string   `yaml:"server_name"`
	ServerVersion      string   `yaml:"server_version"`
	Scopes             []string `yaml:"scopes"`
	MaxRequestBodySize int64    `yaml:"max_request_body_size"`
}

// OAuthConfig holds token service settings
type OAuthConfig struct {
	AccessTokenTTL       Duration            `yaml:"access_token_ttl"`
	RefreshTokenTTL      Duration            `yaml:"refresh_token_ttl"`
	AuthorizationCodeTTL Duration            `yaml:"authorization_code_ttl"`
	RotateRefreshTokens  bool                `yaml:"rotate_refresh_tokens"`
	AllowedCustomSchemes []string            `yaml:"allowed_custom_schemes"`
	Authenticator        AuthenticatorConfig `yaml:"authenticator"`
}

// AuthenticatorConfig enables the authorization endpoint behind an
// authenticating reverse proxy
type AuthenticatorConfig struct {
	Enabled            bool   `yaml:"enabled"`
	UserHeader         string `yaml:"user_header"`
	OrganizationHeader string `yaml:"organization_header"`
}

// SessionsConfig holds session registry settings
type SessionsConfig struct {
	IdleTTL       Duration `yaml:"idle_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// RateLimitsConfig overrides the default request budgets
type RateLimitsConfig struct {
	Tool         LimitConfig `yaml:"tool"`
	SSE          LimitConfig `yaml:"sse"`
	OAuth        LimitConfig `yaml:"oauth"`
	Registration LimitConfig `yaml:"registration"`
}

// LimitConfig is a request budget per window
type LimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

func (l LimitConfig) limit() security.Limit {
	return security.Limit{Requests: l.Requests, Window: l.Window.Duration()}
}

// StorageConfig selects and configures the grant and client store
type StorageConfig struct {
	Backend string       `yaml:"backend"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Valkey  ValkeyConfig `yaml:"valkey"`
}

// SQLiteConfig configures the sqlite backend
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// ValkeyConfig configures the valkey backend
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	LogClientIPs bool   `yaml:"log_client_ips"`
}

// AuditConfig toggles security audit logging
type AuditConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// DirectoryConfig lists the users served by the find_user tool
type DirectoryConfig struct {
	Users []gateway.User `yaml:"users"`
}

// Duration is a time.Duration written as a Go duration string ("30s", "1h")
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns d as a time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads a configuration file. ${VAR} and ${VAR:-default} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses, defaults and validates configuration file contents
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} with the variable's value and ${VAR:-default}
// with default when the variable is unset or empty
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value := os.Getenv(groups[1]); value != "" {
			return value
		}
		return groups[3]
	})
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills fields the library packages do not default themselves
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = LogFormatJSON
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks the configuration and reports every problem found
func (c *Config) Validate() error {
	var errs []error

	if c.Server.TrustedProxyCount < 0 {
		errs = append(errs, errors.New("server.trusted_proxy_count must not be negative"))
	}
	if c.Server.BaseURL != "" && !strings.HasPrefix(c.Server.BaseURL, "https://") && !strings.HasPrefix(c.Server.BaseURL, "http://") {
		errs = append(errs, fmt.Errorf("server.base_url %q must be an http or https URL", c.Server.BaseURL))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required for the sqlite backend"))
		}
	case BackendValkey:
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("storage.valkey.address is required for the valkey backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, sqlite, valkey", c.Storage.Backend))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Format != LogFormatJSON && c.Log.Format != LogFormatText {
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	limits := map[string]LimitConfig{
		"tool":         c.RateLimits.Tool,
		"sse":          c.RateLimits.SSE,
		"oauth":        c.RateLimits.OAuth,
		"registration": c.RateLimits.Registration,
	}
	for _, name := range []string{"tool", "sse", "oauth", "registration"} {
		l := limits[name]
		if l.Requests < 0 || l.Window < 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s must not be negative", name))
		}
		if l.Requests > 0 && l.Window == 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s.window is required when requests is set", name))
		}
	}

	for i, u := range c.Directory.Users {
		if u.ID == "" || u.OrganizationID == "" {
			errs = append(errs, fmt.Errorf("directory.users[%d] needs id and organization_id", i))
		}
	}

	return errors.Join(errs...)
}

// AuditEnabled reports whether security audit logging is on (default true)
func (c *Config) AuditEnabled() bool {
	return c.Audit.Enabled == nil || *c.Audit.Enabled
}

// GatewayConfig returns the HTTP handler configuration
func (c *Config) GatewayConfig() *gateway.Config {
	return &gateway.Config{
		BaseURL:                   c.Server.BaseURL,
		AllowedOrigins:            c.MCP.AllowedOrigins,
		SupportedProtocolVersions: c.MCP.ProtocolVersions,
		HeartbeatInterval:         c.MCP.HeartbeatInterval.Duration(),
		SSERetry:                  c.MCP.SSERetry.Duration(),
		ServerName:                c.MCP.ServerName,
		ServerVersion:             c.MCP.ServerVersion,
		Scopes:                    c.MCP.Scopes,
		ToolRateLimit:             c.RateLimits.Tool.limit(),
		SSERateLimit:              c.RateLimits.SSE.limit(),
		OAuthRateLimit:            c.RateLimits.OAuth.limit(),
		RegistrationRateLimit:     c.RateLimits.Registration.limit(),
		TrustProxy:                c.Server.TrustProxy,
		TrustedProxyCount:         c.Server.TrustedProxyCount,
		MaxRequestBodySize:        c.MCP.MaxRequestBodySize,
	}
}

// TokenConfig returns the token service configuration. issuer is the resolved base URL.
func (c *Config) TokenConfig(issuer string) *server.Config {
	return &server.Config{
		Issuer:               issuer,
		AccessTokenTTL:       c.OAuth.AccessTokenTTL.Duration(),
		RefreshTokenTTL:      c.OAuth.RefreshTokenTTL.Duration(),
		AuthorizationCodeTTL: c.OAuth.AuthorizationCodeTTL.Duration(),
		RotateRefreshTokens:  c.OAuth.RotateRefreshTokens,
		AllowedCustomSchemes: c.OAuth.AllowedCustomSchemes,
	}
}

// SessionConfig returns the session registry configuration
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		IdleTTL:       c.Sessions.IdleTTL.Duration(),
		SweepInterval: c.Sessions.SweepInterval.Duration(),
	}
}

// ServerConfig returns the HTTP listener configuration
func (c *Config) ServerConfig() gateway.ServerConfig {
	return gateway.ServerConfig{
		Addr:              c.Server.Addr,
		ShutdownTimeout:   c.Server.ShutdownTimeout.Duration(),
		ReadHeaderTimeout: c.Server.ReadHeaderTimeout.Duration(),
	}
}
