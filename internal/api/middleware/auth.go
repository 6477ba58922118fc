package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

type contextKey string

const UserContextKey contextKey = "user"

// UserLookup resolves hashed API tokens. store.DataStore satisfies it.
type UserLookup interface {
	GetUserByTokenHash(ctx context.Context, tokenHash string) (*models.User, error)
}

// AuthMiddleware authenticates requests carrying an API bearer token.
type AuthMiddleware struct {
	users  UserLookup
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(users UserLookup, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{users: users, logger: logger}
}

// ResolveToken maps a raw token to its user. Unknown and malformed tokens
// yield (nil, nil).
func (m *AuthMiddleware) ResolveToken(ctx context.Context, token string) (*models.User, error) {
	hash, err := crypto.HashToken(token)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidToken) {
			return nil, nil
		}
		return nil, err
	}
	return m.users.GetUserByTokenHash(ctx, hash)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// user in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := hub.BearerToken(r)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := m.ResolveToken(r.Context(), token)
		if err != nil {
			m.logger.Error().Err(err).Msg("token lookup failed")
			jsonError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if user == nil {
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// WithUser stores the authenticated user in ctx.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
