package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoginMethod is how the user proved their identity for this session.
type LoginMethod string

const (
	LoginMethodPassword  LoginMethod = "PASSWORD"
	LoginMethodBiometric LoginMethod = "BIOMETRIC"
	LoginMethodPIN       LoginMethod = "PIN"
	LoginMethodMFA       LoginMethod = "MFA"
)

// SecurityLevel is the ordinal authentication strength of a session.
type SecurityLevel int

const (
	SecurityLevelBasic    SecurityLevel = 1
	SecurityLevelEnhanced SecurityLevel = 2
	SecurityLevelHigh     SecurityLevel = 3
)

// Session termination reasons recorded for audit.
const (
	TerminationReasonLogout  = "LOGOUT"
	TerminationReasonAdmin   = "ADMIN"
	TerminationReasonExpired = "EXPIRED"
	TerminationReasonDevice  = "DEVICE_REMOVED"
)

// Session is a bounded-lifetime authenticated context bound to one user and
// one device. Sessions are marked inactive on termination, never deleted.
type Session struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	DeviceID          string          `json:"device_id" db:"device_id"`
	SessionToken      string          `json:"-" db:"session_token"`
	RefreshToken      *string         `json:"-" db:"refresh_token"`
	LoginMethod       LoginMethod     `json:"login_method" db:"login_method"`
	SourceIP          string          `json:"source_ip" db:"source_ip"`
	Location          string          `json:"location" db:"location"`
	UserAgent         string          `json:"user_agent" db:"user_agent"`
	SecurityLevel     SecurityLevel   `json:"security_level" db:"security_level"`
	RiskScore         decimal.Decimal `json:"risk_score" db:"risk_score"`
	MFAVerified       bool            `json:"mfa_verified" db:"mfa_verified"`
	BiometricVerified bool            `json:"biometric_verified" db:"biometric_verified"`
	PINVerified       bool            `json:"pin_verified" db:"pin_verified"`
	ExpiresAt         time.Time       `json:"expires_at" db:"expires_at"`
	RefreshExpiresAt  *time.Time      `json:"refresh_expires_at,omitempty" db:"refresh_expires_at"`
	IsActive          bool            `json:"is_active" db:"is_active"`
	TerminationReason *string         `json:"termination_reason,omitempty" db:"termination_reason"`
	TerminatedAt      *time.Time      `json:"terminated_at,omitempty" db:"terminated_at"`
	ActivityCount     int             `json:"activity_count" db:"activity_count"`
	LastActivityAt    time.Time       `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// CanRefresh reports whether the session may mint a new token pair.
// A terminated session is never reactivated.
func (s *Session) CanRefresh(now time.Time) bool {
	if !s.IsActive || s.RefreshToken == nil || s.RefreshExpiresAt == nil {
		return false
	}
	return now.Before(*s.RefreshExpiresAt)
}

// Expired reports whether the session token lifetime has passed.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
