package server

import (
	"net/http"

	"github.com/weftworks/weft/internal/auth"
)

// OpsAuthMiddleware guards routes with a static bearer token. The config
// carries only the token's SHA-256 digest; requests present the raw token.
func OpsAuthMiddleware(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if !auth.VerifyToken(tokenHash, token) {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
