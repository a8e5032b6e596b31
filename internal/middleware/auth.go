package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gluk-w/protonet/internal/auth"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter that browser WebSocket clients have to use.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// RequireToken rejects requests without a valid bearer token. A disabled
// verifier lets everything through.
func RequireToken(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil || !v.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			if !v.Check(bearerToken(r)) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
