package middleware

import (
	"context"
	"net/http"

	"github.com/edvin/jitaccess/internal/api/response"
)

// GetIdentity extracts the caller identity from the request context.
func GetIdentity(ctx context.Context) *Identity {
	identity, _ := ctx.Value(IdentityKey).(*Identity)
	return identity
}

// Subject returns the caller's identity or "" when none is set.
func Subject(ctx context.Context) string {
	if identity := GetIdentity(ctx); identity != nil {
		return identity.Subject
	}
	return ""
}

// HasRole reports whether the directory asserted role for the caller.
func HasRole(identity *Identity, role string) bool {
	if identity == nil {
		return false
	}
	for _, r := range identity.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks the caller holds one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := GetIdentity(r.Context())
			for _, role := range roles {
				if HasRole(identity, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.WriteError(w, http.StatusForbidden, "insufficient role")
		})
	}
}
