package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/driftwatch/internal/api/response"
	"github.com/kiranshivaraju/driftwatch/internal/apperr"
	"github.com/kiranshivaraju/driftwatch/internal/auth"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// Verifier resolves a raw bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*models.Identity, error)
}

// Auth provides authentication and role-checking middleware.
type Auth struct {
	verifier Verifier
}

// NewAuth creates a new Auth middleware.
func NewAuth(v Verifier) *Auth {
	return &Auth{verifier: v}
}

// Authenticate validates the Bearer token and sets user_id, key_prefix and
// role in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		id, err := a.verifier.Verify(r.Context(), rawKey)
		if err != nil {
			if errors.Is(err, apperr.ErrAuthorization) {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_TOKEN", "Invalid API key", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		ctx := r.Context()
		ctx = SetUserID(ctx, id.UserID)
		ctx = setKeyPrefix(ctx, auth.KeyPrefix(rawKey))
		ctx = setRole(ctx, id.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole returns middleware that checks whether the authenticated
// user has the specified role.
func (a *Auth) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if getRole(r) == role {
				next.ServeHTTP(w, r)
				return
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
