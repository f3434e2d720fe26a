package middleware

import (
	"net/http"
	"strings"

	"github.com/openclaw/session-server-go/internal/audit"
	"github.com/openclaw/session-server-go/internal/util"
)

// AuthMiddleware checks a static bearer token. When no token is configured
// the check is disabled, which suits deployments behind a trusted gateway.
type AuthMiddleware struct {
	token string
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !util.ConstantTimeEqual(presented, m.token) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid or missing API token",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
