package server

import "errors"

var (
	// ErrInvalidGrant is returned for every failed code exchange or refresh.
	// The detailed reason is only logged, never returned to the client.
	ErrInvalidGrant = errors.New("invalid_grant")

	// ErrInvalidClient is returned when client authentication fails
	ErrInvalidClient = errors.New("invalid_client")

	// ErrInvalidClientMetadata is returned for unusable registration requests (RFC 7591)
	ErrInvalidClientMetadata = errors.New("invalid_client_metadata")

	// ErrUnsupportedChallengeMethod is returned when a code_challenge_method other
	// than S256 or plain is requested
	ErrUnsupportedChallengeMethod = errors.New("unsupported code_challenge_method")
)
