package server

import (
	"context"
	"crypto/subtle"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/internal/util"
	"github.com/giantswarm/mcp-gateway/security"
)

// PKCE code challenge methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// GrantTypeAuthorizationCode labels tokens issued by a code exchange
const GrantTypeAuthorizationCode = "authorization_code"

// CodeRequest describes an authorization the user has approved
type CodeRequest struct {
	UserID              string
	OrganizationID      string
	ClientName          string
	ClientID            string // optional; when set the redirect URI must be registered for it
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
}

// CreateAuthorizationCode validates the redirect URI and stores a new code with
// the configured TTL. It returns the raw code; only its hash is kept.
func (s *Server) CreateAuthorizationCode(ctx context.Context, req CodeRequest) (string, error) {
	ctx, span := s.startSpan(ctx, "create_authorization_code",
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer span.End()

	if req.UserID == "" {
		return "", fmt.Errorf("user ID is required")
	}
	switch req.CodeChallengeMethod {
	case "", PKCEMethodS256, PKCEMethodPlain:
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChallengeMethod, req.CodeChallengeMethod)
	}

	if err := s.ValidateRedirectURI(ctx, req.RedirectURI, req.ClientID); err != nil {
		s.auditInvalidRedirect(ctx, req.ClientID, err)
		instrumentation.RecordError(span, err)
		return "", err
	}

	code := GenerateToken()
	hash := HashToken(code)
	s.codes.Put(&AuthorizationCode{
		CodeHash:            hash,
		UserID:              req.UserID,
		OrganizationID:      req.OrganizationID,
		ClientName:          req.ClientName,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           s.now().Add(s.Config.AuthorizationCodeTTL),
	})

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:           security.EventAuthorizationCodeIssued,
			UserID:         req.UserID,
			OrganizationID: req.OrganizationID,
			ClientID:       req.ClientID,
			IPAddress:      security.ClientIPFromContext(ctx),
			Details: map[string]any{
				"pkce": req.CodeChallenge != "",
			},
		})
	}

	instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)
	instrumentation.SetSpanSuccess(span)
	return code, nil
}

// ExchangeAuthorizationCode trades a code for a token pair.
//
// The steps run in a fixed order: look up the code, compare redirect URIs,
// verify PKCE, remove the code, then create the grant. Removal happens before
// the grant exists so a code can never yield two grants. Every failure returns
// ErrInvalidGrant; the reason is only logged at debug level.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "exchange_authorization_code")
	defer span.End()

	pair, method, err := s.exchangeAuthorizationCode(ctx, code, redirectURI, codeVerifier)
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, method, err == nil)
	}
	instrumentation.AddPKCEAttributes(span, method)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddGrantAttributes(span, pair.Identity.UserID, pair.Identity.OrganizationID, pair.Identity.AuthorizationID)
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenPair, string, error) {
	if code == "" {
		return nil, "", ErrInvalidGrant
	}

	hash := HashToken(code)
	logger := s.Logger.With("code_hash", util.SafeTruncate(hash, hashLogLength))

	authCode, ok := s.codes.Get(hash)
	if !ok {
		logger.Debug("Authorization code unknown or expired")
		return nil, "", ErrInvalidGrant
	}

	if normalizeRedirectURIForExchange(authCode.RedirectURI) != normalizeRedirectURIForExchange(redirectURI) {
		logger.Debug("Redirect URI mismatch on code exchange")
		return nil, "", ErrInvalidGrant
	}

	method := authCode.CodeChallengeMethod
	if authCode.CodeChallenge != "" {
		if method == "" {
			// RFC 7636 section 4.3
			method = PKCEMethodPlain
		}
		if err := validatePKCE(authCode.CodeChallenge, method, codeVerifier); err != nil {
			logger.Debug("PKCE validation failed", "reason", err.Error())
			s.auditPKCEFailure(ctx, authCode, method, err)
			return nil, method, ErrInvalidGrant
		}
	}

	// Compare-and-delete: a concurrent exchange of the same code loses here
	if _, ok := s.codes.Take(hash); !ok {
		logger.Debug("Authorization code already exchanged")
		return nil, method, ErrInvalidGrant
	}

	pair, err := s.createGrant(ctx, grantParams{
		userID:         authCode.UserID,
		organizationID: authCode.OrganizationID,
		clientName:     authCode.ClientName,
		clientID:       authCode.ClientID,
		grantType:      GrantTypeAuthorizationCode,
	})
	if err != nil {
		return nil, method, err
	}
	return pair, method, nil
}

// validatePKCE checks verifier against the stored challenge in constant time
func validatePKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChallengeMethod, method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

func (s *Server) auditPKCEFailure(ctx context.Context, code *AuthorizationCode, method string, err error) {
	if m := s.metrics(); m != nil {
		m.RecordPKCEValidationFailed(ctx, method)
	}
	if s.Auditor == nil {
		return
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventPKCEValidationFailed,
		UserID:    code.UserID,
		ClientID:  code.ClientID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details: map[string]any{
			"method": method,
			"reason": err.Error(),
		},
	})
}
