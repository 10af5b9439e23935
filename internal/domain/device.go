package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeviceType identifies the client platform.
type DeviceType string

const (
	DeviceTypeMobileIOS     DeviceType = "MOBILE_IOS"
	DeviceTypeMobileAndroid DeviceType = "MOBILE_ANDROID"
	DeviceTypeWeb           DeviceType = "WEB"
)

// DeviceStatus tracks the device trust lifecycle.
type DeviceStatus string

const (
	DeviceStatusPendingVerification DeviceStatus = "PENDING_VERIFICATION"
	DeviceStatusActive              DeviceStatus = "ACTIVE"
	DeviceStatusBlocked             DeviceStatus = "BLOCKED"
	DeviceStatusInactive            DeviceStatus = "INACTIVE"
	DeviceStatusRemoved             DeviceStatus = "REMOVED"
)

// Device is a registered client endpoint bound to one user. Devices are
// soft-removed (status REMOVED), never deleted, so the audit trail survives.
type Device struct {
	DeviceID           string          `json:"device_id" db:"device_id"`
	UserID             string          `json:"user_id" db:"user_id"`
	DeviceType         DeviceType      `json:"device_type" db:"device_type"`
	DeviceName         string          `json:"device_name" db:"device_name"`
	OSName             string          `json:"os_name" db:"os_name"`
	OSVersion          string          `json:"os_version" db:"os_version"`
	AppVersion         string          `json:"app_version" db:"app_version"`
	PushToken          *string         `json:"push_token,omitempty" db:"push_token"`
	Fingerprint        *string         `json:"fingerprint,omitempty" db:"fingerprint"`
	BiometricEnabled   bool            `json:"biometric_enabled" db:"biometric_enabled"`
	PINEnabled         bool            `json:"pin_enabled" db:"pin_enabled"`
	LocationEnabled    bool            `json:"location_enabled" db:"location_enabled"`
	RootedOrJailbroken bool            `json:"rooted_or_jailbroken" db:"rooted_or_jailbroken"`
	Trusted            bool            `json:"trusted" db:"trusted"`
	RiskScore          decimal.Decimal `json:"risk_score" db:"risk_score"`
	Status             DeviceStatus    `json:"status" db:"status"`
	MFASecret          *string         `json:"-" db:"mfa_secret"`
	RegistrationIP     string          `json:"registration_ip" db:"registration_ip"`
	RegistrationLoc    string          `json:"registration_location" db:"registration_location"`
	LastIP             string          `json:"last_ip" db:"last_ip"`
	LastLocation       string          `json:"last_location" db:"last_location"`
	RegisteredAt       time.Time       `json:"registered_at" db:"registered_at"`
	LastActivityAt     time.Time       `json:"last_activity_at" db:"last_activity_at"`
}

// CanAuthenticate reports whether the device may start new sessions.
func (d *Device) CanAuthenticate() bool {
	return d.Status == DeviceStatusActive
}

// MFAEnrolled reports whether a TOTP secret has been provisioned.
func (d *Device) MFAEnrolled() bool {
	return d.MFASecret != nil && *d.MFASecret != ""
}
