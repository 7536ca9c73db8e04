package gateway

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeInvalidClient          = "invalid_client"
	ErrorCodeInvalidToken           = "invalid_token"
	ErrorCodeUnsupportedGrantType   = "unsupported_grant_type"
	ErrorCodeServerError            = "server_error"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeInvalidRedirectURI     = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata  = "invalid_client_metadata"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrInvalidClientMetadata indicates an unusable registration request (RFC 7591)
	ErrInvalidClientMetadata = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClientMetadata, desc, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the caller exhausted its budget
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// ============================================================
// JSON-RPC errors
// ============================================================

// JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is a JSON-RPC error object together with the HTTP status it is sent with
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`

	// Status is the HTTP status of the response carrying the error
	Status int `json:"-"`

	// RetryAfter, when positive, is sent as the Retry-After header in seconds
	RetryAfter int `json:"-"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ProtocolError is a malformed request: -32700 for unparseable bodies, otherwise
// -32600. Sent with HTTP 400.
func ProtocolError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message, Status: http.StatusBadRequest}
}

// AuthError rejects an invalid or expired bearer token with HTTP 401
func AuthError(message string) *RPCError {
	return &RPCError{Code: CodeInvalidRequest, Message: message, Status: http.StatusUnauthorized}
}

// SessionError rejects a missing (400) or unknown (404) session
func SessionError(status int, message string) *RPCError {
	return &RPCError{Code: CodeInvalidRequest, Message: message, Status: status}
}

// RateLimitError rejects a call over budget with HTTP 429
func RateLimitError(message string, retryAfter int) *RPCError {
	return &RPCError{Code: CodeInternalError, Message: message, Status: http.StatusTooManyRequests, RetryAfter: retryAfter}
}

// ToolExecutionError reports a failed handler with HTTP 500
func ToolExecutionError(message string) *RPCError {
	return &RPCError{Code: CodeInternalError, Message: "Internal error: " + message, Status: http.StatusInternalServerError}
}

// MethodNotFoundError reports a method outside the supported set with HTTP 404
func MethodNotFoundError(method string) *RPCError {
	return &RPCError{Code: CodeMethodNotFound, Message: "Method not found: " + method, Status: http.StatusNotFound}
}

// InvalidParamsError reports params that do not fit the method with HTTP 400
func InvalidParamsError(message string) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: "Invalid params: " + message, Status: http.StatusBadRequest}
}

// OriginError rejects a request from a disallowed Origin with HTTP 403
func OriginError() *RPCError {
	return &RPCError{Code: CodeInvalidRequest, Message: "Origin not allowed", Status: http.StatusForbidden}
}
