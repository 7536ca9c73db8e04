package security

// Event type constants for security audit logging.
const (
	// MCP events

	// EventToolInvoked is logged when an MCP tool call completes successfully
	EventToolInvoked = "tool_invoked"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventOriginRejected is logged when a request carries a disallowed Origin header
	EventOriginRejected = "origin_rejected"

	// Token lifecycle events

	// EventTokenIssued is logged when a new token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is minted from a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventAuthorizationRevoked is logged when a grant and all of its tokens are revoked
	EventAuthorizationRevoked = "authorization_revoked"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (wrong credentials, etc.)
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an invalid redirect URI is used
	EventInvalidRedirect = "invalid_redirect"
)
