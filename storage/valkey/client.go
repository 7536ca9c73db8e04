package valkey

import (
	"context"
	"fmt"

	"github.com/giantswarm/mcp-gateway/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client. Existing client IDs are never overwritten.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	err = s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(data).Nx().Build()).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("client %s: %w", client.ClientID, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	j, err := getAndUnmarshal[clientJSON](ctx, s, s.clientKey(clientID), "client")
	if err != nil {
		return nil, err
	}
	return fromClientJSON(j), nil
}
