package gateway

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/util"
	"github.com/giantswarm/mcp-gateway/security"
)

// Protocol versions understood by the transport
const (
	// LatestProtocolVersion is sent in every MCP-Protocol-Version response header
	LatestProtocolVersion = "2025-11-25"

	// ProtocolVersion20250618 may be accepted for older Streamable HTTP clients
	ProtocolVersion20250618 = "2025-06-18"

	// ProtocolVersion20250326 may be accepted for older Streamable HTTP clients
	ProtocolVersion20250326 = "2025-03-26"
)

const (
	// DefaultHeartbeatInterval is the period of ": ping" comments on open streams
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultSSERetry is the reconnection delay announced to Streamable HTTP clients
	DefaultSSERetry = 30 * time.Second

	// DefaultServerName is reported in the initialize result
	DefaultServerName = "mcp-gateway"

	// DefaultServerVersion is reported in the initialize result
	DefaultServerVersion = "1.0.0"

	// DefaultMaxRequestBodySize caps JSON-RPC and registration request bodies
	DefaultMaxRequestBodySize = 1 << 20
)

// DefaultScopes are advertised in the protected resource metadata
var DefaultScopes = []string{"mcp:read", "mcp:write"}

// Config holds the gateway HTTP configuration
type Config struct {
	// BaseURL is the externally visible origin of the server, e.g. https://mcp.example.com.
	// When empty it is derived from each request's Host header.
	BaseURL string

	// AllowedOrigins is the Origin allowlist (exact origins and "*.domain" wildcards).
	// When empty, MCP_ALLOWED_ORIGINS is read, then the localhost defaults apply.
	AllowedOrigins []string

	// SupportedProtocolVersions lists the MCP-Protocol-Version values accepted from clients.
	// Default: only LatestProtocolVersion
	SupportedProtocolVersions []string

	// HeartbeatInterval is how often open SSE streams receive a comment
	HeartbeatInterval time.Duration // default: 30s

	// SSERetry is the retry directive sent at the start of Streamable HTTP streams
	SSERetry time.Duration // default: 30s

	// ServerName and ServerVersion identify the server in the initialize result
	ServerName    string
	ServerVersion string

	// Scopes are advertised as scopes_supported in the protected resource metadata
	Scopes []string

	// ToolRateLimit is the tools/call budget per access token.
	// Default: 1000 per hour
	ToolRateLimit security.Limit

	// SSERateLimit is the GET /mcp budget per client IP.
	// Default: 60 per minute
	SSERateLimit security.Limit

	// OAuthRateLimit is the budget per client IP on the token and revoke endpoints
	OAuthRateLimit security.Limit

	// RegistrationRateLimit is the budget per client IP on client registration
	RegistrationRateLimit security.Limit

	// TrustProxy enables reading X-Forwarded-For and X-Real-IP.
	// WARNING: Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server
	TrustedProxyCount int

	// MaxRequestBodySize caps request bodies in bytes
	MaxRequestBodySize int64 // default: 1 MiB
}

// applyDefaults fills unset fields and logs warnings for risky settings
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	defaults := security.DefaultLimits()

	if len(config.SupportedProtocolVersions) == 0 {
		config.SupportedProtocolVersions = []string{LatestProtocolVersion}
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.SSERetry <= 0 {
		config.SSERetry = DefaultSSERetry
	}
	if config.ServerName == "" {
		config.ServerName = DefaultServerName
	}
	if config.ServerVersion == "" {
		config.ServerVersion = DefaultServerVersion
	}
	if len(config.Scopes) == 0 {
		config.Scopes = append([]string(nil), DefaultScopes...)
	}
	if config.ToolRateLimit.Requests <= 0 {
		config.ToolRateLimit = defaults[security.KeyTypeToken]
	}
	if config.SSERateLimit.Requests <= 0 {
		config.SSERateLimit = defaults[security.KeyTypeIP]
	}
	if config.OAuthRateLimit.Requests <= 0 {
		config.OAuthRateLimit = defaults[security.KeyTypeOAuth]
	}
	if config.RegistrationRateLimit.Requests <= 0 {
		config.RegistrationRateLimit = defaults[security.KeyTypeRegistration]
	}
	if config.MaxRequestBodySize <= 0 {
		config.MaxRequestBodySize = DefaultMaxRequestBodySize
	}
	config.BaseURL = util.NormalizeURL(config.BaseURL)

	logSecurityWarnings(config, logger)
	return config
}

// RateLimits returns the limits keyed the way security.RateLimiter expects them.
// Defaults must have been applied.
func (c *Config) RateLimits() map[security.KeyType]security.Limit {
	return map[security.KeyType]security.Limit{
		security.KeyTypeToken:        c.ToolRateLimit,
		security.KeyTypeIP:           c.SSERateLimit,
		security.KeyTypeOAuth:        c.OAuthRateLimit,
		security.KeyTypeRegistration: c.RegistrationRateLimit,
	}
}

// supportsVersion reports whether version is in SupportedProtocolVersions
func (c *Config) supportsVersion(version string) bool {
	return slices.Contains(c.SupportedProtocolVersions, version)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.TrustProxy {
		logger.Warn("SECURITY WARNING: Trusting proxy headers for client IP",
			"trusted_proxy_count", config.TrustedProxyCount,
			"risk", "Clients can choose their rate limit bucket if no proxy overwrites X-Forwarded-For",
			"recommendation", "Only enable TrustProxy behind a reverse proxy you control")
	}
	for _, origin := range config.AllowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			logger.Warn("CONFIGURATION WARNING: \"*\" in AllowedOrigins matches nothing",
				"recommendation", "List exact origins or use *.domain wildcards")
		}
	}
	if config.BaseURL == "" {
		logger.Info("BaseURL not set, deriving it from the Host header of each request")
		return
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		logger.Warn("CONFIGURATION WARNING: BaseURL is not a valid URL", "base_url", config.BaseURL, "error", err)
		return
	}
	if parsed.Scheme == "http" && !util.IsLoopbackHostname(parsed.Hostname()) {
		logger.Warn("SECURITY WARNING: BaseURL uses plain HTTP",
			"base_url", config.BaseURL,
			"risk", "Bearer tokens are sent in clear text",
			"recommendation", "Serve the gateway over HTTPS")
	}
}
