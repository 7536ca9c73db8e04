package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/server"
	"github.com/giantswarm/mcp-gateway/session"
)

// Route paths
const (
	mcpPath                         = "/mcp"
	tokenPath                       = "/mcp/token"
	registerPath                    = "/mcp/register"
	revokePath                      = "/mcp/revoke"
	authorizePath                   = "/mcp/authorize"
	protectedResourceMetadataPath   = "/.well-known/oauth-protected-resource"
	authorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
)

// Auditor records security events. *security.Auditor implements it.
type Auditor interface {
	LogEvent(event security.Event)
	LogToolInvoked(userID, organizationID, toolName, ipAddress string)
	LogRateLimitExceeded(userID, organizationID, limit, ipAddress string)
	LogOriginRejected(origin, ipAddress string)
}

// RateLimiter decides whether a keyed request fits its budget. *security.RateLimiter implements it.
type RateLimiter interface {
	Check(key security.Key) security.Decision
}

// ClientIPFunc extracts the caller's address from a request
type ClientIPFunc func(r *http.Request) string

var (
	_ Auditor     = (*security.Auditor)(nil)
	_ RateLimiter = (*security.RateLimiter)(nil)
)

// Handler serves the MCP transport and the OAuth endpoints.
// It is a thin HTTP adapter: tokens are handled by the server package and
// sessions by the session package.
type Handler struct {
	config   *Config
	tokens   *server.Server
	sessions *session.Registry
	tools    *ToolRegistry
	origins  *security.OriginValidator

	auditor       Auditor
	limiter       RateLimiter
	clientIP      ClientIPFunc
	authenticator Authenticator

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewHandler creates the HTTP handler. A nil tools registry serves DefaultTools(nil).
func NewHandler(config *Config, tokens *server.Server, sessions *session.Registry, tools *ToolRegistry, logger *slog.Logger) (*Handler, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token server is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tools == nil {
		tools = DefaultTools(nil)
	}

	config = applyDefaults(config, logger)

	return &Handler{
		config:   config,
		tokens:   tokens,
		sessions: sessions,
		tools:    tools,
		origins:  security.NewOriginValidator(config.AllowedOrigins),
		clientIP: security.ClientIPExtractor(config.TrustProxy, config.TrustedProxyCount),
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer(""),
	}, nil
}

// SetAuditor sets the security audit sink. Pass a nil interface to disable auditing.
func (h *Handler) SetAuditor(auditor Auditor) {
	h.auditor = auditor
}

// SetRateLimiter enables the tool invocation, SSE connection and OAuth endpoint limits
func (h *Handler) SetRateLimiter(limiter RateLimiter) {
	h.limiter = limiter
}

// SetClientIPFunc replaces the client IP extractor derived from TrustProxy
func (h *Handler) SetClientIPFunc(fn ClientIPFunc) {
	if fn != nil {
		h.clientIP = fn
	}
}

// SetAuthenticator enables the authorization endpoint
func (h *Handler) SetAuthenticator(authenticator Authenticator) {
	h.authenticator = authenticator
}

// SetInstrumentation enables metrics and tracing for HTTP requests
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// Config returns the effective configuration with defaults applied
func (h *Handler) Config() *Config {
	return h.config
}

// ============================================================
// Routing
// ============================================================

// Routes returns a router with every endpoint registered
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		security.RequestIDMiddleware,
		h.clientIPMiddleware,
		security.SecurityHeadersMiddleware(h.config.BaseURL),
		h.instrumentMiddleware,
		middleware.Recoverer,
	)
	h.MCPRoutes(r)
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// MCPRoutes registers the Streamable HTTP transport endpoint
func (h *Handler) MCPRoutes(r chi.Router) {
	r.Post(mcpPath, h.ServeMCPPost)
	r.Get(mcpPath, h.ServeMCPGet)
	r.Delete(mcpPath, h.ServeMCPDelete)
	r.Options(mcpPath, h.ServeMCPPreflight)
}

// OAuthRoutes registers the token, registration, revocation and authorization endpoints
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Post(tokenPath, h.ServeToken)
	r.Post(registerPath, h.ServeClientRegistration)
	r.Get(registerPath, h.serveRegistrationMethodNotAllowed)
	r.Post(revokePath, h.ServeTokenRevocation)
	r.Get(authorizePath, h.ServeAuthorization)
	r.Options(tokenPath, h.ServeOAuthPreflight)
	r.Options(registerPath, h.ServeOAuthPreflight)
	r.Options(revokePath, h.ServeOAuthPreflight)
}

// WellKnownRoutes registers the discovery documents. The protected resource
// metadata is also served at its path-suffixed location (RFC 9728 section 3.1).
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(protectedResourceMetadataPath, h.ServeProtectedResourceMetadata)
	r.Get(protectedResourceMetadataPath+mcpPath, h.ServeProtectedResourceMetadata)
	r.Get(authorizationServerMetadataPath, h.ServeAuthorizationServerMetadata)
}

// clientIPMiddleware stores the client address in the request context for
// rate limiting and audit records below the HTTP layer
func (h *Handler) clientIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := security.WithClientIP(r.Context(), h.clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrumentMiddleware records a span and the request metrics, labelled with
// the matched route pattern
func (h *Handler) instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.startSpan(r.Context(), "http.request",
			attribute.String(instrumentation.AttrHTTPMethod, r.Method))
		defer span.End()
		instrumentation.AddSecurityAttributes(span, security.ClientIPFromContext(ctx))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if m := h.metrics(); m != nil {
			m.RecordHTTPRequest(ctx, r.Method, endpoint, status, float64(time.Since(start).Milliseconds()))
		}
	})
}

// ============================================================
// GET, DELETE and OPTIONS /mcp
// ============================================================

// ServeMCPGet opens a server-to-client event stream. Requests with neither a
// session id nor a protocol version get the legacy HTTP+SSE stream; all others
// need a token and an initialized session.
func (h *Handler) ServeMCPGet(w http.ResponseWriter, r *http.Request) {
	origin, ok := h.checkOrigin(w, r)
	if !ok {
		return
	}
	if h.checkIPRateLimit(w, r, security.KeyTypeIP, "sse_connection") {
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" && r.Header.Get(HeaderProtocolVersion) == "" {
		h.serveLegacyStream(w, r, origin)
		return
	}

	if _, ok := h.checkProtocolVersion(w, r); !ok {
		return
	}
	if !acceptsEventStream(r) {
		w.Header().Set("Allow", "POST, DELETE, OPTIONS")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = io.WriteString(w, "Method Not Allowed")
		return
	}

	c, ok := h.authenticate(w, r, authErrorOAuth)
	if !ok {
		return
	}
	if sessionID == "" {
		h.writeRPCError(w, nil, SessionError(http.StatusBadRequest, "Missing MCP-Session-Id header. Please initialize first."))
		return
	}
	if h.sessions.Get(sessionID, c.identity) == nil {
		h.writeRPCError(w, nil, SessionError(http.StatusNotFound, "Session not found or expired"))
		return
	}

	h.serveSessionStream(w, r, sessionID, origin)
}

// ServeMCPDelete terminates a session owned by the caller
func (h *Handler) ServeMCPDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.checkOrigin(w, r); !ok {
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		h.writeRPCError(w, nil, SessionError(http.StatusBadRequest, "Missing MCP-Session-Id header"))
		return
	}

	c, ok := h.authenticate(w, r, authErrorRPC)
	if !ok {
		return
	}

	// Unknown, expired and foreign sessions are indistinguishable to the caller
	if !h.sessions.Delete(sessionID, c.identity) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.logger.Debug("Terminated MCP session", "authorization_id", c.identity.AuthorizationID)
	w.WriteHeader(http.StatusNoContent)
}

// ServeMCPPreflight answers CORS preflight requests for /mcp
func (h *Handler) ServeMCPPreflight(w http.ResponseWriter, r *http.Request) {
	origin, ok := h.checkOrigin(w, r)
	if !ok {
		return
	}
	setPreflightHeaders(w.Header(), origin)
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================
// Helpers
// ============================================================

// checkIPRateLimit checks the per-IP budget of keyType. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, keyType security.KeyType, limitName string) bool {
	if h.limiter == nil {
		return false
	}

	clientIP := security.ClientIPFromContext(r.Context())
	decision := h.limiter.Check(security.Key{Type: keyType, Value: clientIP})
	if decision.Allowed {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "limit", limitName, "path", r.URL.Path)
	if m := h.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), string(keyType))
	}
	if h.auditor != nil {
		h.auditor.LogRateLimitExceeded("", "", limitName, clientIP)
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", decision.RetryAfter(time.Now())))
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// baseURL returns the configured base URL, or one derived from the request
func (h *Handler) baseURL(r *http.Request) string {
	if h.config.BaseURL != "" {
		return h.config.BaseURL
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if h.config.TrustProxy {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
			scheme = proto
		}
	}
	return scheme + "://" + strings.TrimRight(r.Host, "/")
}

// writeError writes an OAuth 2.0 error response (RFC 6749 section 5.2)
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetNoStoreHeaders(w)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = writeJSON(w, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeOAuthError writes err as an OAuth 2.0 error response
func (h *Handler) writeOAuthError(w http.ResponseWriter, err *OAuthError) {
	h.writeError(w, err.Code, err.Description, err.Status)
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func (h *Handler) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, "mcp."+name, trace.WithAttributes(attrs...))
}

// metrics returns the recorder, or nil when instrumentation is disabled
func (h *Handler) metrics() *instrumentation.Metrics {
	if h.instrumentation == nil {
		return nil
	}
	return h.instrumentation.Metrics()
}
