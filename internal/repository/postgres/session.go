package postgres

import (
	"context"
	"database/sql"
	"time"

	"fintrust/internal/domain"
	"fintrust/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SessionRepository stores issued sessions. Rows are never deleted, only
// marked inactive, so terminated sessions remain for audit.
type SessionRepository struct {
	db *sqlx.DB
}

func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `
	id, user_id, device_id, session_token, refresh_token, login_method,
	source_ip, location, user_agent, security_level, risk_score,
	mfa_verified, biometric_verified, pin_verified, expires_at,
	refresh_expires_at, is_active, termination_reason, terminated_at,
	activity_count, last_activity_at, created_at`

// Create inserts a new session row.
func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22
		)`

	_, err := r.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.DeviceID, session.SessionToken,
		session.RefreshToken, session.LoginMethod, session.SourceIP,
		session.Location, session.UserAgent, session.SecurityLevel,
		session.RiskScore, session.MFAVerified, session.BiometricVerified,
		session.PINVerified, session.ExpiresAt, session.RefreshExpiresAt,
		session.IsActive, session.TerminationReason, session.TerminatedAt,
		session.ActivityCount, session.LastActivityAt, session.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	return nil
}

// FindByToken returns the session or (nil, nil) when unknown.
func (r *SessionRepository) FindByToken(ctx context.Context, sessionToken string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_token = $1`

	var session domain.Session
	err := r.db.GetContext(ctx, &session, query, sessionToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find session by token")
	}
	return &session, nil
}

// FindByRefreshToken returns the session or (nil, nil) when unknown.
func (r *SessionRepository) FindByRefreshToken(ctx context.Context, refreshToken string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_token = $1`

	var session domain.Session
	err := r.db.GetContext(ctx, &session, query, refreshToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find session by refresh token")
	}
	return &session, nil
}

// Rotate swaps in a new token pair and extends expiry in one guarded update.
// The guard loses cleanly against a concurrent terminate: a session that went
// inactive, or whose refresh window closed, matches no row and the caller
// sees rotated == false.
func (r *SessionRepository) Rotate(ctx context.Context, id uuid.UUID, sessionToken, refreshToken string, expiresAt, refreshExpiresAt, now time.Time) (bool, error) {
	query := `
		UPDATE sessions
		SET session_token = $2, refresh_token = $3, expires_at = $4,
		    refresh_expires_at = $5, last_activity_at = $6,
		    activity_count = activity_count + 1
		WHERE id = $1 AND is_active = TRUE AND refresh_expires_at > $6`

	res, err := r.db.ExecContext(ctx, query, id, sessionToken, refreshToken, expiresAt, refreshExpiresAt, now)
	if err != nil {
		return false, errors.Wrap(err, "failed to rotate session tokens")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rotation result")
	}
	return rows == 1, nil
}

// Terminate marks the session inactive. Returns false when no active session
// held the token.
func (r *SessionRepository) Terminate(ctx context.Context, sessionToken, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE, termination_reason = $2, terminated_at = $3
		WHERE session_token = $1 AND is_active = TRUE`

	res, err := r.db.ExecContext(ctx, query, sessionToken, reason, at)
	if err != nil {
		return false, errors.Wrap(err, "failed to terminate session")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read termination result")
	}
	return rows > 0, nil
}

// TerminateAllForUser bulk-terminates every active session of a user.
func (r *SessionRepository) TerminateAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE, termination_reason = $2, terminated_at = $3
		WHERE user_id = $1 AND is_active = TRUE`

	res, err := r.db.ExecContext(ctx, query, userID, reason, at)
	if err != nil {
		return 0, errors.Wrap(err, "failed to terminate user sessions")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read termination result")
	}
	return rows, nil
}

// TerminateAllForDevice bulk-terminates every active session on one device.
func (r *SessionRepository) TerminateAllForDevice(ctx context.Context, deviceID, reason string, at time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE, termination_reason = $2, terminated_at = $3
		WHERE device_id = $1 AND is_active = TRUE`

	res, err := r.db.ExecContext(ctx, query, deviceID, reason, at)
	if err != nil {
		return 0, errors.Wrap(err, "failed to terminate device sessions")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read termination result")
	}
	return rows, nil
}

// TouchActivity bumps the activity counter in a single statement to avoid
// lost updates under concurrent validation traffic.
func (r *SessionRepository) TouchActivity(ctx context.Context, sessionToken string, at time.Time) error {
	query := `
		UPDATE sessions
		SET activity_count = activity_count + 1, last_activity_at = $2
		WHERE session_token = $1 AND is_active = TRUE`

	_, err := r.db.ExecContext(ctx, query, sessionToken, at)
	if err != nil {
		return errors.Wrap(err, "failed to touch session activity")
	}
	return nil
}

// SweepExpired terminates active sessions whose refresh window has fully
// passed. Returns the number of sessions reaped.
func (r *SessionRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE, termination_reason = $2, terminated_at = $1
		WHERE is_active = TRUE
		  AND expires_at <= $1
		  AND (refresh_expires_at IS NULL OR refresh_expires_at <= $1)`

	res, err := r.db.ExecContext(ctx, query, now, domain.TerminationReasonExpired)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep expired sessions")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read sweep result")
	}
	return rows, nil
}
