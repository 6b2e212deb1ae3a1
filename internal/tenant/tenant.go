// Package tenant carries the resolved tenant identity through a request's
// context. packrun uses a single shared schema with tenant_id foreign-key
// columns (spec.md §3), so — unlike the schema-per-tenant teacher this is
// adapted from — there is no search_path switch or per-tenant connection to
// manage here: resolution is just "which tenant_id does this credential
// belong to," done once by the auth middleware.
package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Info identifies the tenant that owns the current request.
type Info struct {
	ID   uuid.UUID
	Plan string
}

type ctxKey string

const infoKey ctxKey = "tenant_info"

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts tenant info from the context, or nil if unset.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}
