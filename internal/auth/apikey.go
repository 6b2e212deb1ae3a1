package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Store resolves an API key hash to the tenant that owns it. Implemented by
// the ledger package against the api_keys table.
type Store interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (APIKeyRecord, error)
}

// APIKeyRecord is the persisted shape of an api_keys row, as much as
// authentication needs of it.
type APIKeyRecord struct {
	APIKeyID  uuid.UUID
	TenantID  uuid.UUID
	KeyPrefix string
	Active    bool
}

// Authenticator validates bearer API keys against the Store.
type Authenticator struct {
	Store Store
}

// Authenticate hashes rawKey, looks it up, and checks the active flag.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*Identity, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty API key")
	}

	rec, err := a.Store.GetAPIKeyByHash(ctx, HashAPIKey(rawKey))
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}
	if !rec.Active {
		return nil, fmt.Errorf("API key is inactive")
	}

	return &Identity{
		APIKeyID:  rec.APIKeyID,
		TenantID:  rec.TenantID,
		KeyPrefix: rec.KeyPrefix,
	}, nil
}
