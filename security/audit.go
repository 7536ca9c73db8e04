package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/mcp-gateway/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation counts every audit event in the audit events metric
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.mu.Lock()
	a.instrumentation = inst
	a.mu.Unlock()
}

// Event represents a security audit event
type Event struct {
	Type           string
	UserID         string
	OrganizationID string
	ClientID       string
	IPAddress      string
	Details        map[string]any
	Timestamp      time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"organization_id", event.OrganizationID,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	a.mu.RLock()
	inst := a.instrumentation
	a.mu.RUnlock()
	if inst != nil {
		inst.Metrics().RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogToolInvoked logs a successful MCP tool call
func (a *Auditor) LogToolInvoked(userID, organizationID, toolName, ipAddress string) {
	a.LogEvent(Event{
		Type:           EventToolInvoked,
		UserID:         userID,
		OrganizationID: organizationID,
		IPAddress:      ipAddress,
		Details: map[string]any{
			"tool": toolName,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation. limit names the limit that
// was hit, e.g. "tool_invocation" or "sse_connection".
func (a *Auditor) LogRateLimitExceeded(userID, organizationID, limit, ipAddress string) {
	a.LogEvent(Event{
		Type:           EventRateLimitExceeded,
		UserID:         userID,
		OrganizationID: organizationID,
		IPAddress:      ipAddress,
		Details: map[string]any{
			"limit": limit,
		},
	})
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, grantType string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
		},
	})
}

// LogTokenRefreshed logs when an access token is minted from a refresh token
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogAuthorizationRevoked logs when a grant and its tokens are revoked
func (a *Auditor) LogAuthorizationRevoked(userID, authorizationID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationRevoked,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"authorization_id": authorizationID,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogOriginRejected logs a request refused by origin validation
func (a *Auditor) LogOriginRejected(origin, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventOriginRejected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"origin": origin,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
