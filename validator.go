package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/storage"
)

// caller is an authenticated bearer of an access token
type caller struct {
	identity storage.Identity
	token    string
}

// authErrorStyle selects the body written for an invalid token
type authErrorStyle int

const (
	// authErrorRPC writes a JSON-RPC error object (POST and DELETE)
	authErrorRPC authErrorStyle = iota
	// authErrorOAuth writes an RFC 6750 {error, error_description} object (GET)
	authErrorOAuth
)

const invalidTokenDescription = "Invalid or expired access token"

// checkOrigin validates the Origin header against the allowlist. It returns the
// origin to echo in CORS headers, which is "" for requests without one.
func (h *Handler) checkOrigin(w http.ResponseWriter, r *http.Request) (string, bool) {
	origin := r.Header.Get("Origin")
	if h.origins.Validate(origin) {
		return origin, true
	}

	clientIP := security.ClientIPFromContext(r.Context())
	h.logger.Warn("Rejected request from disallowed origin", "origin", origin, "ip", clientIP)
	if h.auditor != nil {
		h.auditor.LogOriginRejected(origin, clientIP)
	}
	if m := h.metrics(); m != nil {
		m.RecordOriginRejected(r.Context())
	}
	h.writeRPCError(w, nil, OriginError())
	return "", false
}

// checkProtocolVersion validates MCP-Protocol-Version. A missing header marks a
// legacy (2024-11-05) client and is accepted.
func (h *Handler) checkProtocolVersion(w http.ResponseWriter, r *http.Request) (legacy bool, ok bool) {
	version := r.Header.Get(HeaderProtocolVersion)
	if version == "" {
		return true, true
	}
	if h.config.supportsVersion(version) {
		return false, true
	}

	w.Header().Set(HeaderProtocolVersion, LatestProtocolVersion)
	h.writeRPCError(w, nil, ProtocolError(CodeInvalidRequest,
		fmt.Sprintf("Unsupported protocol version: %s. Expected: %s",
			version, strings.Join(h.config.SupportedProtocolVersions, ", "))))
	return false, false
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header.
// The scheme is matched case-insensitively (RFC 7235).
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// authenticate resolves the bearer token of r to a caller. On failure it writes
// the 401 response and returns false. Storage failures fail closed with a 500.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, style authErrorStyle) (*caller, bool) {
	token, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(r, "", ""))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Unauthorized"))
		return nil, false
	}

	identity, err := h.tokens.ValidateAccessToken(r.Context(), token)
	if err != nil {
		h.logger.Error("Access token validation failed", "error", err)
		if style == authErrorRPC {
			h.writeRPCError(w, nil, &RPCError{
				Code:    CodeInternalError,
				Message: "Internal error: token validation unavailable",
				Status:  http.StatusInternalServerError,
			})
		} else {
			h.writeError(w, ErrorCodeTemporarilyUnavailable, "Token validation unavailable", http.StatusInternalServerError)
		}
		return nil, false
	}

	if identity == nil {
		if h.auditor != nil {
			h.auditor.LogEvent(security.Event{
				Type:      security.EventAuthFailure,
				IPAddress: security.ClientIPFromContext(r.Context()),
				Details:   map[string]any{"reason": "invalid_access_token"},
			})
		}
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(r, ErrorCodeInvalidToken, invalidTokenDescription))
		if style == authErrorRPC {
			h.writeRPCError(w, nil, AuthError(invalidTokenDescription))
		} else {
			w.Header().Set("Content-Type", contentTypeJSON)
			w.WriteHeader(http.StatusUnauthorized)
			_ = writeJSON(w, ErrorResponse{Error: ErrorCodeInvalidToken, ErrorDescription: invalidTokenDescription})
		}
		return nil, false
	}

	return &caller{identity: *identity, token: token}, true
}

// formatWWWAuthenticate formats the WWW-Authenticate challenge per RFC 6750 and
// RFC 9728: the realm, the protected resource metadata URL, and optionally the
// error code and description.
//
// Example output:
//
//	Bearer realm="MCP", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource",
//	       error="invalid_token", error_description="Invalid or expired access token"
func (h *Handler) formatWWWAuthenticate(r *http.Request, errCode, errorDesc string) string {
	params := []string{
		`realm="MCP"`,
		fmt.Sprintf(`resource_metadata="%s"`, h.baseURL(r)+protectedResourceMetadataPath),
	}

	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		// Escape backslashes first, then quotes (RFC 7230 quoted-string)
		escapedDesc := strings.ReplaceAll(errorDesc, `\`, `\\`)
		escapedDesc = strings.ReplaceAll(escapedDesc, `"`, `\"`)
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapedDesc))
	}

	return "Bearer " + strings.Join(params, ", ")
}
