// Package identity carries the pre-validated caller identity through a
// request's context. Request-level authentication itself (how a caller
// proves who they are) is out of scope for this module — handlers only
// consume the identity the surrounding deployment has already verified.
package identity

import "context"

// Identity describes the authenticated caller of an HTTP request or hub
// session.
type Identity struct {
	UserID   int64
	TenantID int64
	Role     string // operator, tenant_admin, platform_admin
}

const (
	RolePlatformAdmin = "platform_admin"
	RoleTenantAdmin   = "tenant_admin"
	RoleOperator      = "operator"
)

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the Identity previously stored by WithIdentity. The
// second return value is false when no identity is present.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
