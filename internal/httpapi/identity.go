package httpapi

import (
	"net/http"
	"strconv"

	"github.com/pitwatch/sentinel/internal/identity"
)

// IdentityFromHeaders trusts X-User-Id/X-Tenant-Id/X-Role, set by
// whatever gateway sits in front of this service. Request-level
// authentication is explicitly out of scope for this module (§1);
// handlers only ever consume the identity already stored in context by
// internal/identity, the same seam the teacher's auth package exposes
// via its dev-header fallback.
func IdentityFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := strconv.ParseInt(r.Header.Get("X-User-Id"), 10, 64)
		tenantID, _ := strconv.ParseInt(r.Header.Get("X-Tenant-Id"), 10, 64)
		role := r.Header.Get("X-Role")

		ctx := identity.WithIdentity(r.Context(), identity.Identity{
			UserID:   userID,
			TenantID: tenantID,
			Role:     role,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
