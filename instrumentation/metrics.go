package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the gateway
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// JSON-RPC Metrics
	RPCCallsTotal     metric.Int64Counter
	RPCCallDuration   metric.Float64Histogram
	ToolInvocations   metric.Int64Counter
	SSEStreamsOpened  metric.Int64Counter
	SSEStreamDuration metric.Float64Histogram
	SessionsSwept     metric.Int64Counter

	// Token Lifecycle Metrics
	TokensIssued         metric.Int64Counter
	TokenValidations     metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	AuthorizationRevoked metric.Int64Counter
	ClientRegistered     metric.Int64Counter
	CodesSwept           metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	OriginRejected       metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Size gauges (see RegisterSizeCallbacks)
	SessionsActive            metric.Int64ObservableGauge
	AuthorizationCodesPending metric.Int64ObservableGauge
	GrantsActive              metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       string
	name        string
	description string
	unit        string
}

type histogramSpec struct {
	dst         *metric.Float64Histogram
	meter       string
	name        string
	description string
	unit        string
}

type gaugeSpec struct {
	dst         *metric.Int64ObservableGauge
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http", "mcp.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.RPCCallsTotal, "dispatcher", "mcp.rpc.calls.total", "Number of JSON-RPC calls by method and outcome", "{call}"},
		{&m.ToolInvocations, "dispatcher", "mcp.tool.invocations", "Number of tool invocations", "{invocation}"},
		{&m.SSEStreamsOpened, "http", "mcp.sse.streams.opened", "Number of SSE streams opened", "{stream}"},
		{&m.SessionsSwept, "session", "mcp.sessions.swept", "Number of idle sessions removed", "{session}"},
		{&m.TokensIssued, "server", "oauth.tokens.issued", "Number of access tokens issued", "{token}"},
		{&m.TokenValidations, "server", "oauth.token.validations", "Number of access token validations", "{validation}"},
		{&m.CodeExchanged, "server", "oauth.code.exchanged", "Number of authorization code exchanges", "{exchange}"},
		{&m.TokenRefreshed, "server", "oauth.token.refreshed", "Number of access tokens refreshed", "{refresh}"},
		{&m.AuthorizationRevoked, "server", "oauth.authorization.revoked", "Number of revoked authorizations", "{revocation}"},
		{&m.ClientRegistered, "server", "oauth.client.registered", "Number of dynamically registered clients", "{client}"},
		{&m.CodesSwept, "server", "oauth.code.swept", "Number of expired authorization codes removed", "{code}"},
		{&m.RateLimitExceeded, "security", "security.rate_limit.exceeded", "Number of rate limit rejections", "{rejection}"},
		{&m.PKCEValidationFailed, "security", "security.pkce.failed", "Number of failed PKCE validations", "{failure}"},
		{&m.OriginRejected, "security", "security.origin.rejected", "Number of requests rejected by origin validation", "{rejection}"},
		{&m.StorageOperationTotal, "storage", "storage.operations.total", "Number of storage operations", "{operation}"},
		{&m.AuditEventsTotal, "security", "security.audit.events.total", "Number of audit events emitted", "{event}"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = inst.Meter(c.meter).Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []histogramSpec{
		{&m.HTTPRequestDuration, "http", "mcp.http.request.duration", "HTTP request duration in milliseconds", "ms"},
		{&m.RPCCallDuration, "dispatcher", "mcp.rpc.call.duration", "JSON-RPC call duration in milliseconds", "ms"},
		{&m.SSEStreamDuration, "http", "mcp.sse.stream.duration", "Lifetime of SSE streams in seconds", "s"},
		{&m.StorageOperationDuration, "storage", "storage.operation.duration", "Storage operation duration in milliseconds", "ms"},
	}
	for _, h := range histograms {
		var err error
		*h.dst, err = inst.Meter(h.meter).Float64Histogram(h.name,
			metric.WithDescription(h.description),
			metric.WithUnit(h.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	gauges := []gaugeSpec{
		{&m.SessionsActive, "mcp.sessions.active", "Number of live MCP sessions", "{session}"},
		{&m.AuthorizationCodesPending, "oauth.codes.pending", "Number of unexchanged authorization codes", "{code}"},
		{&m.GrantsActive, "oauth.grants.active", "Number of active authorization grants", "{grant}"},
	}
	for _, g := range gauges {
		var err error
		*g.dst, err = inst.Meter("storage").Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit(g.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordRPCCall records a dispatched JSON-RPC call
func (m *Metrics) RecordRPCCall(ctx context.Context, method string, errorCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("error_code", errorCode),
	)
	m.RPCCallsTotal.Add(ctx, 1, attrs)
	m.RPCCallDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("method", method)))
}

// RecordToolInvocation records a tools/call execution
func (m *Metrics) RecordToolInvocation(ctx context.Context, tool string, success bool) {
	m.ToolInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	))
}

// RecordSSEStream records an SSE stream; call once when it opens and once when it closes
func (m *Metrics) RecordSSEStream(ctx context.Context, mode string, lifetimeSeconds float64, closed bool) {
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	if !closed {
		m.SSEStreamsOpened.Add(ctx, 1, attrs)
		return
	}
	m.SSEStreamDuration.Record(ctx, lifetimeSeconds, attrs)
}

// RecordTokensIssued records issuance of an access token
func (m *Metrics) RecordTokensIssued(ctx context.Context, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenValidation records an access token lookup
func (m *Metrics) RecordTokenValidation(ctx context.Context, valid bool) {
	m.TokenValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("valid", valid),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, pkceMethod string, success bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pkce_method", pkceMethod),
		attribute.Bool("success", success),
	))
}

// RecordTokenRefresh records a token refresh operation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("rotated", rotated),
	))
}

// RecordAuthorizationRevoked records a grant revocation
func (m *Metrics) RecordAuthorizationRevoked(ctx context.Context) {
	m.AuthorizationRevoked.Add(ctx, 1)
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordCodesSwept records how many expired codes a sweep removed
func (m *Metrics) RecordCodesSwept(ctx context.Context, n int) {
	if n > 0 {
		m.CodesSwept.Add(ctx, int64(n))
	}
}

// RecordSessionsSwept records how many idle sessions a sweep removed
func (m *Metrics) RecordSessionsSwept(ctx context.Context, n int) {
	if n > 0 {
		m.SessionsSwept.Add(ctx, int64(n))
	}
}

// RecordRateLimitExceeded records a rate limit rejection
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, keyType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("key_type", keyType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordOriginRejected records a request refused by origin validation
func (m *Metrics) RecordOriginRejected(ctx context.Context) {
	m.OriginRejected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
