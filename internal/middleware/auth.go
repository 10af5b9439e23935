package middleware

import (
	"context"
	"net/http"
	"strings"

	"fintrust/internal/domain"
	"fintrust/internal/trust"
)

// contextKey avoids collisions when storing values in request contexts.
type contextKey string

const (
	ctxUserIDKey     contextKey = "user_id"
	ctxDeviceIDKey   contextKey = "device_id"
	ctxValidationKey contextKey = "session_validation"
)

// SessionAuth validates bearer session tokens through the trust engine and
// injects the validation result into the request context.
type SessionAuth struct {
	service *trust.Service
}

func NewSessionAuth(service *trust.Service) *SessionAuth {
	return &SessionAuth{service: service}
}

// Authenticate enforces a valid session token. Invalid, expired, and
// terminated tokens all read as unauthorized; no detail leaks to the caller.
func (m *SessionAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if strings.TrimSpace(authHeader) == "" {
			jsonError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			jsonError(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		validation, err := m.service.ValidateSession(r.Context(), parts[1])
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "Session validation unavailable")
			return
		}
		if validation == nil {
			jsonError(w, http.StatusUnauthorized, "Invalid session")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserIDKey, validation.UserID)
		ctx = context.WithValue(ctx, ctxDeviceIDKey, validation.DeviceID)
		ctx = context.WithValue(ctx, ctxValidationKey, validation)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFullAuth gates routes on securityLevel >= 2. Must run after
// Authenticate.
func (m *SessionAuth) RequireFullAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		validation, ok := ValidationFromContext(r.Context())
		if !ok || !validation.FullyAuthenticated {
			jsonError(w, http.StatusForbidden, "Second factor required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserIDFromContext returns the authenticated user's ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxUserIDKey).(string)
	return s, ok
}

// DeviceIDFromContext returns the session's device ID from context.
func DeviceIDFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxDeviceIDKey).(string)
	return s, ok
}

// ValidationFromContext returns the full validation result from context.
func ValidationFromContext(ctx context.Context) (*trust.Validation, bool) {
	v, ok := ctx.Value(ctxValidationKey).(*trust.Validation)
	return v, ok
}

// SecurityLevelFromContext returns the session's security level from context.
func SecurityLevelFromContext(ctx context.Context) (domain.SecurityLevel, bool) {
	v, ok := ValidationFromContext(ctx)
	if !ok {
		return 0, false
	}
	return v.SecurityLevel, true
}
