package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put raw access tokens, refresh tokens, authorization
// codes or client secrets into span attributes. Only metadata such as token
// types, grant types and validation results belong here.
const (
	// OAuth attributes
	AttrClientID        = "oauth.client_id"
	AttrUserID          = "oauth.user_id"
	AttrOrganizationID  = "oauth.organization_id"
	AttrAuthorizationID = "oauth.authorization_id"
	AttrGrantType       = "oauth.grant_type"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrTokenRotated    = "oauth.token.rotated" //nolint:gosec // boolean flag, not a credential
	AttrError           = "oauth.error"

	// MCP attributes
	AttrRPCMethod       = "mcp.rpc.method"
	AttrRPCErrorCode    = "mcp.rpc.error_code"
	AttrToolName        = "mcp.tool.name"
	AttrSessionPresent  = "mcp.session.present"
	AttrLegacyClient    = "mcp.client.legacy"
	AttrProtocolVersion = "mcp.protocol_version"
	AttrTransport       = "mcp.transport"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageBackend   = "storage.backend"

	// Security attributes
	AttrRateLimitKeyType = "security.rate_limit.key_type"
	AttrClientIP         = "security.client_ip"
	AttrAuditEventType   = "security.audit.event_type"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds the identity bound to an authorization grant (nil-safe)
func AddGrantAttributes(span trace.Span, userID, organizationID, authorizationID string) {
	var attrs []attribute.KeyValue
	if userID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, userID))
	}
	if organizationID != "" {
		attrs = append(attrs, attribute.String(AttrOrganizationID, organizationID))
	}
	if authorizationID != "" {
		attrs = append(attrs, attribute.String(AttrAuthorizationID, authorizationID))
	}
	SetSpanAttributes(span, attrs...)
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddRPCAttributes adds JSON-RPC dispatch attributes to a span (nil-safe)
func AddRPCAttributes(span trace.Span, method string, legacy, sessionPresent bool) {
	SetSpanAttributes(span,
		attribute.String(AttrRPCMethod, method),
		attribute.Bool(AttrLegacyClient, legacy),
		attribute.Bool(AttrSessionPresent, sessionPresent),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, backend string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageBackend, backend),
	)
}

// AddHTTPAttributes adds HTTP-related attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int(AttrHTTPStatusCode, statusCode))
	}
	SetSpanAttributes(span, attrs...)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe).
// Callers must check ShouldLogClientIPs first.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
