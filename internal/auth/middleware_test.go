package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vdavid/mailgate/internal/logging"
)

func TestRequireAuth(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsOperator(r.Context()) {
			t.Error("Expected operator marker in context")
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	authHandler := NewAuthenticator("s3cret-token", logging.Discard()).RequireAuth(handler)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"allows request with valid Bearer token", "Bearer s3cret-token", http.StatusOK},
		{"accepts lowercase scheme and extra spaces", "bearer   s3cret-token ", http.StatusOK},
		{"rejects request without Authorization header", "", http.StatusUnauthorized},
		{"rejects request with invalid Authorization format", "InvalidFormat", http.StatusUnauthorized},
		{"rejects request with wrong auth scheme", "Basic s3cret-token", http.StatusUnauthorized},
		{"rejects empty token", "Bearer ", http.StatusUnauthorized},
		{"rejects wrong token", "Bearer s3cret-tokem", http.StatusUnauthorized},
		{"rejects token prefix", "Bearer s3cret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rr := httptest.NewRecorder()
			authHandler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestValid(t *testing.T) {
	t.Run("empty configured token accepts nothing", func(t *testing.T) {
		a := NewAuthenticator("", logging.Discard())
		assert.False(t, a.Valid(""))
		assert.False(t, a.Valid("anything"))
	})

	t.Run("exact match only", func(t *testing.T) {
		a := NewAuthenticator("abc", logging.Discard())
		assert.True(t, a.Valid("abc"))
		assert.False(t, a.Valid("ABC"))
		assert.False(t, a.Valid("abcd"))
	})
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = BearerToken("Token abc")
	assert.False(t, ok)
}
