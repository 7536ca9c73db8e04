package server

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/util"
)

const (
	// DefaultAccessTokenTTL is how long access tokens stay valid
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is how long refresh tokens stay valid
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultAuthorizationCodeTTL is how long an authorization code can be exchanged
	DefaultAuthorizationCodeTTL = 10 * time.Minute

	// DefaultCodeSweepInterval is how often expired authorization codes are swept
	DefaultCodeSweepInterval = time.Minute

	// DefaultTokenPurgeInterval is how often expired access tokens are purged from storage
	DefaultTokenPurgeInterval = 10 * time.Minute
)

// Config holds token service configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration // default: 1h

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL time.Duration // default: 30 days

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10m

	// CodeSweepInterval is how often the authorization code cache is swept
	CodeSweepInterval time.Duration // default: 60s

	// TokenPurgeInterval is how often expired access tokens are deleted from storage
	TokenPurgeInterval time.Duration // default: 10m

	// RotateRefreshTokens revokes the presented refresh token on every refresh
	// and returns a new one in the same store operation.
	// When false a refresh token stays valid until it expires or its grant is revoked.
	// Default: false
	RotateRefreshTokens bool

	// AllowedCustomSchemes extends the built-in list of desktop client redirect
	// schemes (cursor://, vscode://, ...). Entries may be given as "myapp" or "myapp://".
	AllowedCustomSchemes []string
}

// applyDefaults fills unset durations and logs warnings for risky settings
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.CodeSweepInterval <= 0 {
		config.CodeSweepInterval = DefaultCodeSweepInterval
	}
	if config.TokenPurgeInterval <= 0 {
		config.TokenPurgeInterval = DefaultTokenPurgeInterval
	}
	config.Issuer = util.NormalizeURL(config.Issuer)

	logSecurityWarnings(config, logger)
	return config
}

// customSchemes returns the built-in desktop client schemes plus the configured ones,
// each in "scheme://" form
func (c *Config) customSchemes() []string {
	schemes := append([]string(nil), DefaultAllowedCustomSchemes...)
	for _, s := range c.AllowedCustomSchemes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.HasSuffix(s, "://") {
			s = strings.TrimSuffix(s, ":") + "://"
		}
		schemes = append(schemes, s)
	}
	return schemes
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RotateRefreshTokens {
		logger.Info("Refresh token rotation is disabled",
			"risk", "A leaked refresh token stays usable until it expires or the grant is revoked",
			"recommendation", "Set RotateRefreshTokens=true once all clients store the rotated token")
	}
	if config.AccessTokenTTL > 24*time.Hour {
		logger.Warn("SECURITY WARNING: Long-lived access tokens",
			"access_token_ttl", config.AccessTokenTTL,
			"risk", "Stolen bearer tokens remain valid for a long time",
			"recommendation", "Keep AccessTokenTTL at one hour or less")
	}
	if config.Issuer == "" {
		return
	}
	parsed, err := url.Parse(config.Issuer)
	if err != nil {
		logger.Warn("CONFIGURATION WARNING: Issuer is not a valid URL", "issuer", config.Issuer, "error", err)
		return
	}
	if parsed.Scheme == "http" && !util.IsLoopbackHostname(parsed.Hostname()) {
		logger.Warn("SECURITY WARNING: Issuer uses plain HTTP",
			"issuer", config.Issuer,
			"risk", "Tokens are sent in clear text",
			"recommendation", "Serve the gateway over HTTPS")
	}
}
