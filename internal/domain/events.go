package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trust event types published to the event bus.
const (
	EventDeviceRegistered    = "DEVICE_REGISTERED"
	EventDeviceVerified      = "DEVICE_VERIFIED"
	EventDeviceTrustChanged  = "DEVICE_TRUST_CHANGED"
	EventDeviceStatusChanged = "DEVICE_STATUS_CHANGED"
	EventUserAuthenticated   = "USER_AUTHENTICATED"
	EventSessionTerminated   = "SESSION_TERMINATED"
)

// TrustEvent is the fire-and-forget lifecycle notification consumed
// downstream. Delivery is best effort and never blocks the caller.
type TrustEvent struct {
	EventID   uuid.UUID        `json:"event_id"`
	EventType string           `json:"event_type"`
	UserID    string           `json:"user_id"`
	DeviceID  string           `json:"device_id"`
	Status    string           `json:"status,omitempty"`
	RiskScore *decimal.Decimal `json:"risk_score,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	// VerificationCode is set only on DEVICE_REGISTERED events for devices
	// pending verification. The notification consumer delivers it out of
	// band; it is never returned to the registering client.
	VerificationCode string    `json:"verification_code,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewTrustEvent stamps identity and time on an event payload.
func NewTrustEvent(eventType, userID, deviceID string) TrustEvent {
	return TrustEvent{
		EventID:   uuid.New(),
		EventType: eventType,
		UserID:    userID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
	}
}
