package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/harmonia/maestro/internal/api/response"
	"github.com/harmonia/maestro/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// Auth validates service credentials on the report and admin surfaces.
type Auth struct {
	store store.Store
}

func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate validates the Bearer token against the stored credential
// hashes and sets the caller's name, key prefix, and scopes in the request
// context. Revoked credentials do not authenticate.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid credential format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]

		creds, err := a.store.GetCredentialByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate credential", nil)
			return
		}

		var matched bool
		for _, cred := range creds {
			if cred.RevokedAt != nil {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(cred.KeyHash), []byte(rawKey)) == nil {
				ctx := r.Context()
				ctx = setCallerName(ctx, cred.Name)
				ctx = setKeyPrefix(ctx, prefix)
				ctx = setScopes(ctx, cred.Scopes)
				r = r.WithContext(ctx)
				matched = true

				// last_used_at is informational; update it off the request path
				go a.store.UpdateCredentialLastUsed(context.Background(), cred.ID)
				break
			}
		}

		if !matched {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid credential", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireScope returns middleware that checks whether the authenticated
// credential carries the given scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range getScopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
