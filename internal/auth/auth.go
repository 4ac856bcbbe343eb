// Package auth generates, hashes, and verifies the static ops API token.
// Only the SHA-256 digest of the token is ever written to config or disk.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// HashToken returns the SHA-256 hex digest of a token, the form stored in
// the service config.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether token matches the stored hash. The comparison
// runs in constant time over the digests.
func VerifyToken(tokenHash, token string) bool {
	digest := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(tokenHash)) == 1
}

// NewToken generates a random ops token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return "weft_" + hex.EncodeToString(buf), nil
}

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}
	return parts[1], nil
}
