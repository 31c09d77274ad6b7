package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextKey string

// OperatorKey is the context key marking a request as authenticated.
const OperatorKey contextKey = "operator"

// Authenticator checks requests against the static operator token.
type Authenticator struct {
	token  []byte
	logger logrus.FieldLogger
}

func NewAuthenticator(token string, logger logrus.FieldLogger) *Authenticator {
	return &Authenticator{token: []byte(token), logger: logger}
}

// Valid reports whether token is the operator token, in constant time.
func (a *Authenticator) Valid(token string) bool {
	if len(a.token) == 0 || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), a.token) == 1
}

// RequireAuth middleware checks for a valid bearer token in the Authorization header.
// Returns 401 Unauthorized if authentication fails.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r.Header.Get("Authorization"))
		if !ok {
			a.logger.Debug("Auth: missing or malformed Authorization header")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !a.Valid(token) {
			a.logger.WithField("remote_addr", r.RemoteAddr).Warn("Auth: invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), OperatorKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IsOperator reports whether the request context passed RequireAuth.
func IsOperator(ctx context.Context) bool {
	ok, _ := ctx.Value(OperatorKey).(bool)
	return ok
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
// The scheme is case-insensitive (RFC 7235).
func BearerToken(header string) (string, bool) {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	return token, token != ""
}
