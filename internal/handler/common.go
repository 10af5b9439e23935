// Package handler provides the HTTP handlers for the device trust service.
package handler

import (
	"encoding/json"
	"net/http"

	"fintrust/pkg/errors"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// mapTrustError translates engine sentinels to HTTP rejections. Anything
// unmapped is a transient failure: the caller gets a generic 500 and the
// detail stays in the logs.
func mapTrustError(err error) (int, string, bool) {
	switch {
	case errors.Is(err, errors.ErrDeviceAlreadyRegistered):
		return http.StatusConflict, "Device already registered", true
	case errors.Is(err, errors.ErrDeviceLimitExceeded):
		return http.StatusConflict, "Active device limit exceeded", true
	case errors.Is(err, errors.ErrDeviceNotRegistered):
		return http.StatusNotFound, "Device not registered", true
	case errors.Is(err, errors.ErrDeviceNotActive):
		return http.StatusForbidden, "Device not active", true
	case errors.Is(err, errors.ErrDeviceNotPending):
		return http.StatusConflict, "Device not pending verification", true
	case errors.Is(err, errors.ErrSessionNotFound):
		return http.StatusNotFound, "Session not found", true
	case errors.Is(err, errors.ErrSessionNotRefreshable):
		return http.StatusUnauthorized, "Session not refreshable", true
	case errors.Is(err, errors.ErrInvalidRefreshToken):
		return http.StatusUnauthorized, "Invalid refresh token", true
	case errors.Is(err, errors.ErrInvalidVerificationCode),
		errors.Is(err, errors.ErrVerificationCodeExpired):
		return http.StatusUnauthorized, "Invalid verification code", true
	case errors.Is(err, errors.ErrMFANotEnrolled):
		return http.StatusBadRequest, "MFA not enrolled for device", true
	case errors.Is(err, errors.ErrInvalidMFAToken):
		return http.StatusUnauthorized, "Invalid MFA token", true
	}
	return 0, "", false
}
