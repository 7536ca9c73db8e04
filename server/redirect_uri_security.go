package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/storage"
)

// DefaultAllowedCustomSchemes are the redirect URI prefixes of known desktop MCP clients
var DefaultAllowedCustomSchemes = []string{
	"cursor://",
	"vscode://",
	"vscode-insiders://",
	"claude://",
	"windsurf://",
	"amp://",
}

// loopbackPathPattern restricts loopback callback paths to safe characters
var loopbackPathPattern = regexp.MustCompile(`^/[a-zA-Z0-9\-_./]*$`)

// RedirectURISecurityError represents a redirect URI validation error
// with detailed information for operators while keeping error messages generic for clients.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryRequired       = "required"
	RedirectURIErrorCategoryInvalidFormat  = "invalid_format"
	RedirectURIErrorCategoryNotLoopback    = "not_loopback"
	RedirectURIErrorCategoryHTTPNotAllowed = "scheme_not_allowed"
	RedirectURIErrorCategoryInvalidPath    = "invalid_path"
	RedirectURIErrorCategoryClientUnknown  = "client_not_registered"
	RedirectURIErrorCategoryNotRegistered  = "not_registered"
)

// Hosts accepted for http(s) redirect URIs
const (
	loopbackHostLocalhost = "localhost"
	loopbackHostIPv4      = "127.0.0.1"
)

// ValidateRedirectURIFormat accepts exactly two shapes of redirect URI:
//
//   - a URI starting with an allow-listed desktop client scheme (cursor://, vscode://, ...)
//   - an http or https URL on localhost or 127.0.0.1 whose path only holds
//     letters, digits and "-_./"
func (s *Server) ValidateRedirectURIFormat(redirectURI string) error {
	trimmed := strings.TrimSpace(redirectURI)
	if trimmed == "" {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryRequired,
			Reason:        "empty redirect URI",
			ClientMessage: "redirect_uri is required",
		}
	}

	for _, scheme := range s.Config.customSchemes() {
		if strings.HasPrefix(trimmed, scheme) {
			return nil
		}
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		reason := "missing scheme or host"
		if err != nil {
			reason = fmt.Sprintf("URL parse error: %v", err)
		}
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(trimmed),
			Reason:        reason,
			ClientMessage: "redirect_uri is not a valid URL",
		}
	}

	host := parsed.Hostname()
	if host != loopbackHostLocalhost && host != loopbackHostIPv4 {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryNotLoopback,
			URI:           sanitizeURIForLogging(trimmed),
			Reason:        fmt.Sprintf("host %q is not a loopback host", host),
			ClientMessage: "redirect_uri must be a localhost URL or a registered MCP client scheme",
		}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryHTTPNotAllowed,
			URI:           sanitizeURIForLogging(trimmed),
			Reason:        fmt.Sprintf("scheme %q on loopback host", parsed.Scheme),
			ClientMessage: "redirect_uri must use http or https protocol for localhost",
		}
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !loopbackPathPattern.MatchString(path) {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidPath,
			URI:           sanitizeURIForLogging(trimmed),
			Reason:        fmt.Sprintf("path %q contains disallowed characters", path),
			ClientMessage: "redirect_uri contains invalid path characters",
		}
	}

	return nil
}

// ValidateRedirectURI validates the format of redirectURI and, when clientID is
// set, requires it to match one of the client's registered redirect URIs after
// normalization. Storage failures are returned as plain errors.
func (s *Server) ValidateRedirectURI(ctx context.Context, redirectURI, clientID string) error {
	if err := s.ValidateRedirectURIFormat(redirectURI); err != nil {
		return err
	}
	if clientID == "" {
		return nil
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryClientUnknown,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "client " + clientID + " is not registered",
			ClientMessage: "Client not registered",
		}
	}
	if err != nil {
		return fmt.Errorf("failed to load client: %w", err)
	}
	want := normalizeRedirectURI(redirectURI)
	for _, registered := range client.RedirectURIs {
		if normalizeRedirectURI(registered) == want {
			return nil
		}
	}

	return &RedirectURISecurityError{
		Category:      RedirectURIErrorCategoryNotRegistered,
		URI:           sanitizeURIForLogging(redirectURI),
		Reason:        "redirect URI not in the client's registered list",
		ClientMessage: "redirect_uri not registered for this client",
	}
}

// normalizeRedirectURI lowercases the host and drops a trailing path slash.
// Values that do not parse as absolute URLs are lowercased with trailing
// slashes removed.
func normalizeRedirectURI(uri string) string {
	if normalized, ok := normalizeParsedURI(uri); ok {
		return normalized
	}
	return strings.TrimRight(strings.ToLower(uri), "/")
}

// normalizeRedirectURIForExchange is normalizeRedirectURI for the code exchange,
// where values that do not parse are compared verbatim
func normalizeRedirectURIForExchange(uri string) string {
	if normalized, ok := normalizeParsedURI(uri); ok {
		return normalized
	}
	return uri
}

func normalizeParsedURI(uri string) (string, bool) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return "", false
	}

	parsed.Host = strings.ToLower(parsed.Host)
	switch {
	case parsed.Path == "" && (parsed.Scheme == "http" || parsed.Scheme == "https"):
		parsed.Path = "/"
		parsed.RawPath = ""
	case parsed.Path != "/" && strings.HasSuffix(parsed.Path, "/"):
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
		parsed.RawPath = ""
	}
	return parsed.String(), true
}

func (s *Server) auditInvalidRedirect(ctx context.Context, clientID string, err error) {
	category := GetRedirectURIErrorCategory(err)
	if category == "" {
		return
	}
	s.Logger.Debug("Redirect URI rejected",
		"client_id", clientID,
		"category", category,
		"reason", redirectURIErrorReason(err))
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  clientID,
			IPAddress: security.ClientIPFromContext(ctx),
			Details: map[string]any{
				"category": category,
			},
		})
	}
}

// sanitizeURIForLogging removes potentially sensitive information from URIs for logging.
// This prevents leaking credentials or tokens in logs while still providing useful context.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		// If we can't parse it, truncate for safety
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}

	// Remove query parameters and fragment
	parsed.RawQuery = ""
	parsed.Fragment = ""

	// Remove userinfo (user:password in URLs)
	parsed.User = nil

	return parsed.String()
}

// IsRedirectURISecurityError checks if an error is a redirect URI security validation error.
func IsRedirectURISecurityError(err error) bool {
	var secErr *RedirectURISecurityError
	return errors.As(err, &secErr)
}

// GetRedirectURIErrorCategory returns the error category if the error is a RedirectURISecurityError.
func GetRedirectURIErrorCategory(err error) string {
	var secErr *RedirectURISecurityError
	if errors.As(err, &secErr) {
		return secErr.Category
	}
	return ""
}

func redirectURIErrorReason(err error) string {
	var secErr *RedirectURISecurityError
	if errors.As(err, &secErr) {
		return secErr.Reason
	}
	return err.Error()
}
