package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

type fakeUsers struct {
	byHash map[string]*models.User
	err    error
}

func (f *fakeUsers) GetUserByTokenHash(_ context.Context, hash string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byHash[hash], nil
}

func newAuth(t *testing.T) (*AuthMiddleware, string) {
	t.Helper()
	token, err := crypto.NewToken()
	require.NoError(t, err)
	hash, err := crypto.HashToken(token)
	require.NoError(t, err)
	users := &fakeUsers{byHash: map[string]*models.User{hash: {ID: 7, Name: "Ana"}}}
	return NewAuthMiddleware(users, zerolog.Nop()), token
}

func TestRequireAuth(t *testing.T) {
	auth, token := newAuth(t)

	var seen *models.User
	h := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Bearer nope", http.StatusUnauthorized},
		{"unknown", "Bearer chat_unknown", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, int64(7), seen.ID)
			} else {
				assert.Nil(t, seen)
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestRequireAuthStoreFailure(t *testing.T) {
	auth := NewAuthMiddleware(&fakeUsers{err: errors.New("db down")}, zerolog.Nop())
	token, err := crypto.NewToken()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	auth.RequireAuth(http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestResolveTokenIgnoresMalformed(t *testing.T) {
	auth, token := newAuth(t)

	u, err := auth.ResolveToken(context.Background(), "garbage")
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = auth.ResolveToken(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "Ana", u.Name)
}

func TestFindLimit(t *testing.T) {
	rl := &RateLimiter{limits: DefaultLimits()}

	cases := []struct {
		method, path string
		want         string
	}{
		{"POST", "/conversations/12/typing", "POST /conversations/*/typing"},
		{"POST", "/conversations/12/typing-status", "POST /conversations/*/typing"},
		{"POST", "/conversations/12/messages", "POST /conversations/*/messages"},
		{"POST", "/conversations/12/participants", "POST /conversations/*/participants"},
		{"POST", "/conversations", "POST /conversations"},
		{"DELETE", "/conversations/3/participants/4", "DELETE /conversations/"},
		{"PATCH", "/messages/9", "PATCH /messages/"},
		{"GET", "/ws", "GET /ws"},
		{"GET", "/health", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		got := rl.findLimit(req)
		if tc.want == "" {
			assert.Nil(t, got, tc.path)
			continue
		}
		require.NotNil(t, got, tc.path)
		assert.Equal(t, tc.want, got.Pattern, tc.path)
	}
}

func TestTokenKey(t *testing.T) {
	_, token := newAuth(t)

	req := httptest.NewRequest(http.MethodPost, "/conversations", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "ip:10.0.0.1", tokenKey(req))

	req.Header.Set("Authorization", "Bearer "+token)
	key := tokenKey(req)
	assert.True(t, strings.HasPrefix(key, "token:"), key)
	assert.NotContains(t, key, token)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/conversations/{id}", normalizePath("/conversations/42/messages"))
	assert.Equal(t, "/messages/{id}", normalizePath("/messages/42"))
	assert.Equal(t, "/health", normalizePath("/health"))
}

func TestValidateRequestContentType(t *testing.T) {
	h := ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader("x=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
