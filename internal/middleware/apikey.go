package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// AdminKey guards the admin trust-management routes with a static API key
// supplied via X-Admin-Key. Keys are compared as SHA-256 digests in constant
// time so length and content never leak through timing.
type AdminKey struct {
	keyHash [32]byte
	enabled bool
}

func NewAdminKey(key string) *AdminKey {
	if key == "" {
		return &AdminKey{}
	}
	return &AdminKey{keyHash: sha256.Sum256([]byte(key)), enabled: true}
}

func (m *AdminKey) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			jsonError(w, http.StatusForbidden, "Admin API disabled")
			return
		}

		provided := sha256.Sum256([]byte(r.Header.Get("X-Admin-Key")))
		if subtle.ConstantTimeCompare(provided[:], m.keyHash[:]) != 1 {
			jsonError(w, http.StatusForbidden, "Invalid admin key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
