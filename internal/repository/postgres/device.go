// Package postgres implements the persistence layer over sqlx.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"fintrust/internal/domain"
	"fintrust/pkg/errors"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// DeviceRepository stores registered devices. All writes are atomic
// single-row statements keyed by device_id.
type DeviceRepository struct {
	db *sqlx.DB
}

func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `
	device_id, user_id, device_type, device_name, os_name, os_version,
	app_version, push_token, fingerprint, biometric_enabled, pin_enabled,
	location_enabled, rooted_or_jailbroken, trusted, risk_score, status,
	mfa_secret, registration_ip, registration_location, last_ip,
	last_location, registered_at, last_activity_at`

// Find returns the device or (nil, nil) when it is not registered.
func (r *DeviceRepository) Find(ctx context.Context, deviceID string) (*domain.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`

	var device domain.Device
	err := r.db.GetContext(ctx, &device, query, deviceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find device")
	}
	return &device, nil
}

// FindByUser lists a user's devices, optionally filtered by status.
func (r *DeviceRepository) FindByUser(ctx context.Context, userID string, status *domain.DeviceStatus) ([]domain.Device, error) {
	var devices []domain.Device
	var err error

	if status != nil {
		query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 AND status = $2 ORDER BY registered_at DESC`
		err = r.db.SelectContext(ctx, &devices, query, userID, *status)
	} else {
		query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 ORDER BY registered_at DESC`
		err = r.db.SelectContext(ctx, &devices, query, userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list devices")
	}
	return devices, nil
}

// Save inserts a new device row. The primary key on device_id rejects
// duplicate registrations at the store layer.
func (r *DeviceRepository) Save(ctx context.Context, device *domain.Device) error {
	query := `
		INSERT INTO devices (` + deviceColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23
		)`

	_, err := r.db.ExecContext(ctx, query,
		device.DeviceID, device.UserID, device.DeviceType, device.DeviceName,
		device.OSName, device.OSVersion, device.AppVersion, device.PushToken,
		device.Fingerprint, device.BiometricEnabled, device.PINEnabled,
		device.LocationEnabled, device.RootedOrJailbroken, device.Trusted,
		device.RiskScore, device.Status, device.MFASecret,
		device.RegistrationIP, device.RegistrationLoc, device.LastIP,
		device.LastLocation, device.RegisteredAt, device.LastActivityAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save device")
	}
	return nil
}

// CountActive counts a user's ACTIVE devices.
func (r *DeviceRepository) CountActive(ctx context.Context, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM devices WHERE user_id = $1 AND status = $2`
	if err := r.db.GetContext(ctx, &count, query, userID, domain.DeviceStatusActive); err != nil {
		return 0, errors.Wrap(err, "failed to count active devices")
	}
	return count, nil
}

// UpdateActivity records where and when the device was last seen.
func (r *DeviceRepository) UpdateActivity(ctx context.Context, deviceID, ip, location string, at time.Time) error {
	query := `
		UPDATE devices
		SET last_ip = $2, last_location = $3, last_activity_at = $4
		WHERE device_id = $1`

	_, err := r.db.ExecContext(ctx, query, deviceID, ip, location, at)
	if err != nil {
		return errors.Wrap(err, "failed to update device activity")
	}
	return nil
}

// UpdateRiskScore sets the score and the derived trust flag in one statement.
func (r *DeviceRepository) UpdateRiskScore(ctx context.Context, deviceID string, score decimal.Decimal, trusted bool) error {
	query := `UPDATE devices SET risk_score = $2, trusted = $3 WHERE device_id = $1`

	_, err := r.db.ExecContext(ctx, query, deviceID, score, trusted)
	if err != nil {
		return errors.Wrap(err, "failed to update risk score")
	}
	return nil
}

// UpdateTrust flips the admin-controlled trust flag.
func (r *DeviceRepository) UpdateTrust(ctx context.Context, deviceID string, trusted bool) error {
	query := `UPDATE devices SET trusted = $2 WHERE device_id = $1`

	_, err := r.db.ExecContext(ctx, query, deviceID, trusted)
	if err != nil {
		return errors.Wrap(err, "failed to update device trust")
	}
	return nil
}

// UpdateStatus moves the device through its lifecycle.
func (r *DeviceRepository) UpdateStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	query := `UPDATE devices SET status = $2 WHERE device_id = $1`

	_, err := r.db.ExecContext(ctx, query, deviceID, status)
	if err != nil {
		return errors.Wrap(err, "failed to update device status")
	}
	return nil
}

// UpdateMFASecret stores the encrypted TOTP secret.
func (r *DeviceRepository) UpdateMFASecret(ctx context.Context, deviceID, encryptedSecret string) error {
	query := `UPDATE devices SET mfa_secret = $2 WHERE device_id = $1`

	_, err := r.db.ExecContext(ctx, query, deviceID, encryptedSecret)
	if err != nil {
		return errors.Wrap(err, "failed to update mfa secret")
	}
	return nil
}
