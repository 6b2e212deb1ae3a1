package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Identity represents the authenticated caller for the current request.
// packrun's only external credential is a bearer API key (spec §6); there is
// no session, OIDC, or dev-header fallback, so Identity carries only what
// the admission pipeline and the stealth-isolation rule (spec §4.1, §8
// scenario 7) actually need.
type Identity struct {
	APIKeyID  uuid.UUID
	TenantID  uuid.UUID
	KeyPrefix string
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context, or nil if unset.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key. Raw keys are
// never logged or persisted (spec §3); only this digest is stored and
// compared.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
