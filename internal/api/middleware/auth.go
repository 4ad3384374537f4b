package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/edvin/jitaccess/internal/api/response"
)

type contextKey string

const IdentityKey contextKey = "identity"

// Headers set by the authenticating reverse proxy in front of the API.
const (
	UserHeader  = "X-Auth-User"
	RolesHeader = "X-Auth-Roles"
)

// Identity is the caller as asserted by the upstream directory.
type Identity struct {
	Subject string
	Roles   []string
	Admin   bool
}

// Identify requires the upstream identity headers and stores the caller in
// the request context. Roles are a comma-separated list.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimSpace(r.Header.Get(UserHeader))
		if subject == "" {
			response.WriteError(w, http.StatusUnauthorized, "missing identity")
			return
		}

		identity := &Identity{Subject: subject}
		for _, role := range strings.Split(r.Header.Get(RolesHeader), ",") {
			if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
				identity.Roles = append(identity.Roles, role)
			}
		}

		ctx := context.WithValue(r.Context(), IdentityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminToken returns a middleware that requires Authorization: Bearer
// <token>. An empty configured token disables the guarded routes.
func AdminToken(token string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				response.WriteError(w, http.StatusForbidden, "admin API is disabled")
				return
			}
			key := extractBearer(r)
			if key == "" {
				response.WriteError(w, http.StatusUnauthorized, "missing admin token")
				return
			}
			got := sha256.Sum256([]byte(key))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				response.WriteError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			if identity := GetIdentity(r.Context()); identity != nil {
				identity.Admin = true
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
