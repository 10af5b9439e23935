// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Device errors
var (
	ErrDeviceAlreadyRegistered = errors.New("device already registered")
	ErrDeviceLimitExceeded     = errors.New("active device limit exceeded")
	ErrDeviceNotRegistered     = errors.New("device not registered")
	ErrDeviceNotActive         = errors.New("device not active")
	ErrDeviceNotPending        = errors.New("device not pending verification")
)

// Session and token errors
var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionNotRefreshable = errors.New("session not refreshable")
	ErrInvalidToken          = errors.New("invalid token")
	ErrInvalidRefreshToken   = errors.New("invalid refresh token")
)

// Verification and MFA errors
var (
	ErrInvalidVerificationCode = errors.New("invalid verification code")
	ErrVerificationCodeExpired = errors.New("verification code expired")
	ErrMFANotEnrolled          = errors.New("mfa not enrolled for device")
	ErrInvalidMFAToken         = errors.New("invalid mfa token")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
