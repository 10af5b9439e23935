// Package trust implements the device trust and session risk engine: device
// registration, session issuance and refresh, hot-path validation, and
// security-level escalation.
package trust

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	pkgerrors "errors"
	"fmt"
	"math/big"
	"time"

	"fintrust/internal/domain"
	"fintrust/internal/events"
	"fintrust/internal/risk"
	"fintrust/internal/token"
	"fintrust/pkg/cache"
	"fintrust/pkg/config"
	finerrors "fintrust/pkg/errors"
	"fintrust/pkg/logger"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// DeviceRepository is the device store contract consumed by the engine.
type DeviceRepository interface {
	Find(ctx context.Context, deviceID string) (*domain.Device, error)
	FindByUser(ctx context.Context, userID string, status *domain.DeviceStatus) ([]domain.Device, error)
	Save(ctx context.Context, device *domain.Device) error
	CountActive(ctx context.Context, userID string) (int, error)
	UpdateActivity(ctx context.Context, deviceID, ip, location string, at time.Time) error
	UpdateRiskScore(ctx context.Context, deviceID string, score decimal.Decimal, trusted bool) error
	UpdateTrust(ctx context.Context, deviceID string, trusted bool) error
	UpdateStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error
	UpdateMFASecret(ctx context.Context, deviceID, encryptedSecret string) error
}

// SessionRepository is the session store contract consumed by the engine.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	FindByToken(ctx context.Context, sessionToken string) (*domain.Session, error)
	FindByRefreshToken(ctx context.Context, refreshToken string) (*domain.Session, error)
	Rotate(ctx context.Context, id uuid.UUID, sessionToken, refreshToken string, expiresAt, refreshExpiresAt, now time.Time) (bool, error)
	Terminate(ctx context.Context, sessionToken, reason string, at time.Time) (bool, error)
	TerminateAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error)
	TerminateAllForDevice(ctx context.Context, deviceID, reason string, at time.Time) (int64, error)
	TouchActivity(ctx context.Context, sessionToken string, at time.Time) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// TokenIssuer mints and verifies the signed bearer tokens.
type TokenIssuer interface {
	IssueSessionToken(userID, deviceID string, ttl time.Duration) (string, error)
	IssueRefreshToken(userID, deviceID string, ttl time.Duration) (string, error)
	Verify(tokenString string) (*token.Claims, error)
}

// Cache is the short-lived validation cache. Entries must be invalidated
// synchronously on termination.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	SetString(ctx context.Context, key, value string, expiration time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
}

// Crypto encrypts sensitive device fields at rest.
type Crypto interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(cryptoText string) (string, error)
}

const (
	validationCachePrefix = "trust:validate:"
	verifyCodePrefix      = "trust:verify:"

	mfaIssuerName = "fintrust"
)

// Service orchestrates the device and session stores, the risk scorer, the
// token issuer, the validation cache, and the event publisher.
type Service struct {
	devices   DeviceRepository
	sessions  SessionRepository
	issuer    TokenIssuer
	publisher events.Publisher
	cache     Cache
	crypto    Crypto
	scorer    *risk.Scorer
	logger    logger.Logger
	cfg       config.TrustConfig
	jwtCfg    config.JWTConfig
	now       func() time.Time
}

func NewService(
	devices DeviceRepository,
	sessions SessionRepository,
	issuer TokenIssuer,
	publisher events.Publisher,
	c Cache,
	crypto Crypto,
	scorer *risk.Scorer,
	log logger.Logger,
	cfg config.TrustConfig,
	jwtCfg config.JWTConfig,
) *Service {
	return &Service{
		devices:   devices,
		sessions:  sessions,
		issuer:    issuer,
		publisher: publisher,
		cache:     c,
		crypto:    crypto,
		scorer:    scorer,
		logger:    log,
		cfg:       cfg,
		jwtCfg:    jwtCfg,
		now:       time.Now,
	}
}

// RegisterDeviceRequest carries device identity and security telemetry.
type RegisterDeviceRequest struct {
	UserID             string  `json:"user_id" validate:"required"`
	DeviceID           string  `json:"device_id" validate:"required"`
	DeviceType         string  `json:"device_type" validate:"required,device_type"`
	DeviceName         string  `json:"device_name" validate:"required,max=128"`
	OSName             string  `json:"os_name" validate:"max=64"`
	OSVersion          string  `json:"os_version" validate:"max=32"`
	AppVersion         string  `json:"app_version" validate:"max=32"`
	PushToken          *string `json:"push_token,omitempty"`
	Fingerprint        *string `json:"fingerprint,omitempty"`
	BiometricEnabled   bool    `json:"biometric_enabled"`
	PINEnabled         bool    `json:"pin_enabled"`
	LocationEnabled    bool    `json:"location_enabled"`
	RootedOrJailbroken bool    `json:"rooted_or_jailbroken"`
	IP                 string  `json:"ip" validate:"omitempty,ip"`
	Location           string  `json:"location" validate:"max=128"`
	UserAgent          string  `json:"user_agent" validate:"max=512"`
}

// RegisterDeviceResult is returned on successful registration.
type RegisterDeviceResult struct {
	Device *domain.Device `json:"device"`
	// VerificationRequired signals that the device landed in
	// PENDING_VERIFICATION and must be confirmed out of band. The
	// confirmation code travels on the registration event, never back to
	// the registering client.
	VerificationRequired bool `json:"verification_required"`
}

// RegisterDevice scores and stores a new device. The per-user active-device
// limit is checked before and re-checked after the insert: concurrent
// registrations for the same user can race past the pre-check, so the loser
// of the race is rolled back to REMOVED.
func (s *Service) RegisterDevice(ctx context.Context, req *RegisterDeviceRequest) (*RegisterDeviceResult, error) {
	existing, err := s.devices.Find(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, finerrors.ErrDeviceAlreadyRegistered
	}

	count, err := s.devices.CountActive(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if count >= s.cfg.MaxActiveDevices {
		return nil, finerrors.ErrDeviceLimitExceeded
	}

	rc := risk.RegistrationContext{
		DeviceType:         domain.DeviceType(req.DeviceType),
		DeviceName:         req.DeviceName,
		OSName:             req.OSName,
		OSVersion:          req.OSVersion,
		AppVersion:         req.AppVersion,
		BiometricEnabled:   req.BiometricEnabled,
		PINEnabled:         req.PINEnabled,
		RootedOrJailbroken: req.RootedOrJailbroken,
		IP:                 req.IP,
		Location:           req.Location,
		UserAgent:          req.UserAgent,
	}
	score := s.scorer.DeviceScore(rc)
	trusted, status := s.scorer.Outcome(score)

	now := s.now()
	device := &domain.Device{
		DeviceID:           req.DeviceID,
		UserID:             req.UserID,
		DeviceType:         domain.DeviceType(req.DeviceType),
		DeviceName:         req.DeviceName,
		OSName:             req.OSName,
		OSVersion:          req.OSVersion,
		AppVersion:         req.AppVersion,
		PushToken:          req.PushToken,
		Fingerprint:        req.Fingerprint,
		BiometricEnabled:   req.BiometricEnabled,
		PINEnabled:         req.PINEnabled,
		LocationEnabled:    req.LocationEnabled,
		RootedOrJailbroken: req.RootedOrJailbroken,
		Trusted:            trusted,
		RiskScore:          score,
		Status:             status,
		RegistrationIP:     req.IP,
		RegistrationLoc:    req.Location,
		LastIP:             req.IP,
		LastLocation:       req.Location,
		RegisteredAt:       now,
		LastActivityAt:     now,
	}

	if err := s.devices.Save(ctx, device); err != nil {
		var pqErr *pq.Error
		if pkgerrors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, finerrors.ErrDeviceAlreadyRegistered
		}
		return nil, err
	}

	// Post-insert re-check closes the pre-check race. Losing a race costs
	// the caller a retry, never a silently exceeded limit.
	if status == domain.DeviceStatusActive {
		count, err = s.devices.CountActive(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if count > s.cfg.MaxActiveDevices {
			if rbErr := s.devices.UpdateStatus(ctx, req.DeviceID, domain.DeviceStatusRemoved); rbErr != nil {
				s.logger.Error("Failed to roll back over-limit device", map[string]interface{}{
					"device_id": req.DeviceID,
					"error":     rbErr.Error(),
				})
			}
			return nil, finerrors.ErrDeviceLimitExceeded
		}
	}

	result := &RegisterDeviceResult{Device: device}
	event := domain.NewTrustEvent(domain.EventDeviceRegistered, req.UserID, req.DeviceID)
	event.Status = string(status)
	event.RiskScore = &score
	if status == domain.DeviceStatusPendingVerification {
		code, err := s.storeVerificationCode(ctx, req.DeviceID)
		if err != nil {
			return nil, err
		}
		result.VerificationRequired = true
		event.VerificationCode = code
	}
	s.publisher.Publish(ctx, events.TopicDevices, event)

	s.logger.Info("Device registered", map[string]interface{}{
		"device_id":  req.DeviceID,
		"user_id":    req.UserID,
		"risk_score": score.String(),
		"status":     status,
		"trusted":    trusted,
	})

	return result, nil
}

// ConfirmDevice completes the out-of-band confirmation of a device that
// registered with a high risk score.
func (s *Service) ConfirmDevice(ctx context.Context, deviceID, code string) error {
	device, err := s.devices.Find(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return finerrors.ErrDeviceNotRegistered
	}
	if device.Status != domain.DeviceStatusPendingVerification {
		return finerrors.ErrDeviceNotPending
	}

	hash, err := s.cache.GetString(ctx, verifyCodePrefix+deviceID)
	if err == cache.ErrCacheMiss {
		return finerrors.ErrVerificationCodeExpired
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
		return finerrors.ErrInvalidVerificationCode
	}

	count, err := s.devices.CountActive(ctx, device.UserID)
	if err != nil {
		return err
	}
	if count >= s.cfg.MaxActiveDevices {
		return finerrors.ErrDeviceLimitExceeded
	}

	if err := s.devices.UpdateStatus(ctx, deviceID, domain.DeviceStatusActive); err != nil {
		return err
	}

	// Same re-check as registration: a registration racing this confirm can
	// slip past the pre-check, so the loser drops back to pending. The code
	// is kept so the user can confirm again once a slot frees up.
	count, err = s.devices.CountActive(ctx, device.UserID)
	if err != nil {
		return err
	}
	if count > s.cfg.MaxActiveDevices {
		if rbErr := s.devices.UpdateStatus(ctx, deviceID, domain.DeviceStatusPendingVerification); rbErr != nil {
			s.logger.Error("Failed to roll back over-limit device confirmation", map[string]interface{}{
				"device_id": deviceID,
				"error":     rbErr.Error(),
			})
		}
		return finerrors.ErrDeviceLimitExceeded
	}
	_ = s.cache.Delete(ctx, verifyCodePrefix+deviceID)

	event := domain.NewTrustEvent(domain.EventDeviceVerified, device.UserID, deviceID)
	event.Status = string(domain.DeviceStatusActive)
	s.publisher.Publish(ctx, events.TopicDevices, event)

	return nil
}

// AuthenticateRequest carries the signals evaluated at login.
type AuthenticateRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	DeviceID  string `json:"device_id" validate:"required"`
	Method    string `json:"login_method" validate:"required,login_method"`
	MFAToken  string `json:"mfa_token,omitempty"`
	IP        string `json:"ip" validate:"omitempty,ip"`
	Location  string `json:"location" validate:"max=128"`
	UserAgent string `json:"user_agent" validate:"max=512"`
}

// TokenPair is the issued session/refresh token pair.
type TokenPair struct {
	SessionToken     string    `json:"session_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AuthenticateResult couples the minted tokens with the session attributes.
type AuthenticateResult struct {
	Tokens        TokenPair            `json:"tokens"`
	SecurityLevel domain.SecurityLevel `json:"security_level"`
	RiskScore     decimal.Decimal      `json:"risk_score"`
	Session       *domain.Session      `json:"session"`
}

// Authenticate issues a session against an ACTIVE device. The MFA token, when
// provided, is verified against the device's enrolled TOTP secret before it
// counts toward the security level.
func (s *Service) Authenticate(ctx context.Context, req *AuthenticateRequest) (*AuthenticateResult, error) {
	device, err := s.devices.Find(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || device.UserID != req.UserID {
		return nil, finerrors.ErrDeviceNotRegistered
	}
	if !device.CanAuthenticate() {
		return nil, finerrors.ErrDeviceNotActive
	}

	mfaVerified := false
	if req.MFAToken != "" {
		if !device.MFAEnrolled() {
			return nil, finerrors.ErrMFANotEnrolled
		}
		secret, err := s.crypto.Decrypt(*device.MFASecret)
		if err != nil {
			return nil, finerrors.Wrap(err, "failed to decrypt mfa secret")
		}
		if !totp.Validate(req.MFAToken, secret) {
			return nil, finerrors.ErrInvalidMFAToken
		}
		mfaVerified = true
	}

	now := s.now()
	method := domain.LoginMethod(req.Method)
	ac := risk.AuthContext{
		Method:       method,
		MFAPresented: mfaVerified,
		IP:           req.IP,
		Location:     req.Location,
		At:           now,
	}
	score := s.scorer.SessionScore(device, ac)
	level := risk.Level(ac, device)

	sessionToken, err := s.issuer.IssueSessionToken(req.UserID, req.DeviceID, s.jwtCfg.SessionTTL)
	if err != nil {
		return nil, finerrors.Wrap(err, "failed to issue session token")
	}
	refreshToken, err := s.issuer.IssueRefreshToken(req.UserID, req.DeviceID, s.jwtCfg.RefreshTTL)
	if err != nil {
		return nil, finerrors.Wrap(err, "failed to issue refresh token")
	}

	expiresAt := now.Add(s.jwtCfg.SessionTTL)
	refreshExpiresAt := now.Add(s.jwtCfg.RefreshTTL)
	session := &domain.Session{
		ID:                uuid.New(),
		UserID:            req.UserID,
		DeviceID:          req.DeviceID,
		SessionToken:      sessionToken,
		RefreshToken:      &refreshToken,
		LoginMethod:       method,
		SourceIP:          req.IP,
		Location:          req.Location,
		UserAgent:         req.UserAgent,
		SecurityLevel:     level,
		RiskScore:         score,
		MFAVerified:       mfaVerified,
		BiometricVerified: method == domain.LoginMethodBiometric,
		PINVerified:       method == domain.LoginMethodPIN,
		ExpiresAt:         expiresAt,
		RefreshExpiresAt:  &refreshExpiresAt,
		IsActive:          true,
		ActivityCount:     0,
		LastActivityAt:    now,
		CreatedAt:         now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	if err := s.devices.UpdateActivity(ctx, req.DeviceID, req.IP, req.Location, now); err != nil {
		s.logger.Warn("Failed to update device activity", map[string]interface{}{
			"device_id": req.DeviceID,
			"error":     err.Error(),
		})
	}

	event := domain.NewTrustEvent(domain.EventUserAuthenticated, req.UserID, req.DeviceID)
	event.RiskScore = &score
	s.publisher.Publish(ctx, events.TopicSessions, event)

	s.logger.Info("User authenticated", map[string]interface{}{
		"user_id":        req.UserID,
		"device_id":      req.DeviceID,
		"login_method":   method,
		"security_level": level,
		"risk_score":     score.String(),
	})

	return &AuthenticateResult{
		Tokens: TokenPair{
			SessionToken:     sessionToken,
			RefreshToken:     refreshToken,
			ExpiresAt:        expiresAt,
			RefreshExpiresAt: refreshExpiresAt,
		},
		SecurityLevel: level,
		RiskScore:     score,
		Session:       session,
	}, nil
}

// RefreshToken mints a new token pair for a refreshable session. The session
// identity is preserved; the row is updated in place with a guarded update so
// a concurrent terminate wins the race.
func (s *Service) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.issuer.Verify(refreshToken)
	if err != nil || claims.Type != token.TypeRefresh {
		return nil, finerrors.ErrInvalidRefreshToken
	}

	session, err := s.sessions.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, finerrors.ErrInvalidRefreshToken
	}

	now := s.now()
	if !session.CanRefresh(now) {
		return nil, finerrors.ErrSessionNotRefreshable
	}

	newSessionToken, err := s.issuer.IssueSessionToken(session.UserID, session.DeviceID, s.jwtCfg.SessionTTL)
	if err != nil {
		return nil, finerrors.Wrap(err, "failed to issue session token")
	}
	newRefreshToken, err := s.issuer.IssueRefreshToken(session.UserID, session.DeviceID, s.jwtCfg.RefreshTTL)
	if err != nil {
		return nil, finerrors.Wrap(err, "failed to issue refresh token")
	}

	expiresAt := now.Add(s.jwtCfg.SessionTTL)
	refreshExpiresAt := now.Add(s.jwtCfg.RefreshTTL)

	rotated, err := s.sessions.Rotate(ctx, session.ID, newSessionToken, newRefreshToken, expiresAt, refreshExpiresAt, now)
	if err != nil {
		return nil, err
	}
	if !rotated {
		return nil, finerrors.ErrSessionNotRefreshable
	}

	// The old session token is dead from this point; drop its cached
	// validation rather than letting it ride out the cache TTL.
	_ = s.cache.Delete(ctx, validationCacheKey(session.SessionToken))

	return &TokenPair{
		SessionToken:     newSessionToken,
		RefreshToken:     newRefreshToken,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// Validation is the hot-path session validation result consumed by upstream
// services. FullyAuthenticated gates sensitive operations downstream.
type Validation struct {
	UserID             string               `json:"user_id"`
	DeviceID           string               `json:"device_id"`
	SecurityLevel      domain.SecurityLevel `json:"security_level"`
	FullyAuthenticated bool                 `json:"fully_authenticated"`
	RiskScore          decimal.Decimal      `json:"risk_score"`
}

// ValidateSession resolves a session token to its validation result, or
// (nil, nil) when the token is invalid, the session is inactive or expired,
// or the device is no longer in good standing. Token failures are logged
// internally and deliberately indistinguishable from not-found.
func (s *Service) ValidateSession(ctx context.Context, sessionToken string) (*Validation, error) {
	cacheKey := validationCacheKey(sessionToken)

	var cached Validation
	if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
		return &cached, nil
	} else if err != cache.ErrCacheMiss {
		s.logger.Warn("Validation cache read failed", map[string]interface{}{"error": err.Error()})
	}

	claims, err := s.issuer.Verify(sessionToken)
	if err != nil || claims.Type != token.TypeSession {
		s.logger.Debug("Session token rejected", map[string]interface{}{
			"reason": "token verification failed",
		})
		return nil, nil
	}

	session, err := s.sessions.FindByToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if session == nil || !session.IsActive || session.Expired(now) {
		return nil, nil
	}

	device, err := s.devices.Find(ctx, session.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || device.Status == domain.DeviceStatusBlocked || device.Status == domain.DeviceStatusRemoved {
		return nil, nil
	}

	validation := &Validation{
		UserID:             session.UserID,
		DeviceID:           session.DeviceID,
		SecurityLevel:      session.SecurityLevel,
		FullyAuthenticated: session.SecurityLevel >= domain.SecurityLevelEnhanced,
		RiskScore:          session.RiskScore,
	}

	if err := s.cache.Set(ctx, cacheKey, validation, s.cfg.ValidationCacheTTL); err != nil {
		s.logger.Warn("Validation cache write failed", map[string]interface{}{"error": err.Error()})
	}
	if err := s.sessions.TouchActivity(ctx, sessionToken, now); err != nil {
		s.logger.Warn("Failed to touch session activity", map[string]interface{}{"error": err.Error()})
	}

	return validation, nil
}

// TerminateSession marks the session inactive and synchronously evicts its
// cached validation. Terminated sessions are never reactivated.
func (s *Service) TerminateSession(ctx context.Context, sessionToken, reason string) error {
	session, err := s.sessions.FindByToken(ctx, sessionToken)
	if err != nil {
		return err
	}
	if session == nil {
		return finerrors.ErrSessionNotFound
	}

	terminated, err := s.sessions.Terminate(ctx, sessionToken, reason, s.now())
	if err != nil {
		return err
	}

	if err := s.cache.Delete(ctx, validationCacheKey(sessionToken)); err != nil {
		s.logger.Error("Failed to evict validation cache entry", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if terminated {
		event := domain.NewTrustEvent(domain.EventSessionTerminated, session.UserID, session.DeviceID)
		event.Reason = reason
		s.publisher.Publish(ctx, events.TopicSessions, event)
	}

	return nil
}

// TerminateAllUserSessions bulk-terminates a user's active sessions and
// flushes the whole validation cache namespace. The flush is coarse but the
// bulk path is rare enough that the extra cache misses don't matter.
func (s *Service) TerminateAllUserSessions(ctx context.Context, userID, reason string) (int64, error) {
	count, err := s.sessions.TerminateAllForUser(ctx, userID, reason, s.now())
	if err != nil {
		return 0, err
	}

	if err := s.cache.DeletePrefix(ctx, validationCachePrefix); err != nil {
		s.logger.Error("Failed to flush validation cache", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if count > 0 {
		event := domain.NewTrustEvent(domain.EventSessionTerminated, userID, "")
		event.Reason = reason
		s.publisher.Publish(ctx, events.TopicSessions, event)
	}

	s.logger.Info("Terminated all user sessions", map[string]interface{}{
		"user_id": userID,
		"count":   count,
		"reason":  reason,
	})

	return count, nil
}

// EnrollMFA provisions a TOTP secret for an active device. The secret is
// returned once for the client to store; at rest it is encrypted.
func (s *Service) EnrollMFA(ctx context.Context, userID, deviceID string) (secret, otpauthURL string, err error) {
	device, err := s.devices.Find(ctx, deviceID)
	if err != nil {
		return "", "", err
	}
	if device == nil || device.UserID != userID {
		return "", "", finerrors.ErrDeviceNotRegistered
	}
	if !device.CanAuthenticate() {
		return "", "", finerrors.ErrDeviceNotActive
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      mfaIssuerName,
		AccountName: userID,
	})
	if err != nil {
		return "", "", finerrors.Wrap(err, "failed to generate totp secret")
	}

	encrypted, err := s.crypto.Encrypt(key.Secret())
	if err != nil {
		return "", "", finerrors.Wrap(err, "failed to encrypt totp secret")
	}
	if err := s.devices.UpdateMFASecret(ctx, deviceID, encrypted); err != nil {
		return "", "", err
	}

	return key.Secret(), key.URL(), nil
}

// ListDevices returns a user's devices, optionally filtered by status.
func (s *Service) ListDevices(ctx context.Context, userID string, status *domain.DeviceStatus) ([]domain.Device, error) {
	return s.devices.FindByUser(ctx, userID, status)
}

// RemoveDevice soft-removes a device and terminates its sessions.
func (s *Service) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	device, err := s.devices.Find(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil || device.UserID != userID {
		return finerrors.ErrDeviceNotRegistered
	}

	if err := s.devices.UpdateStatus(ctx, deviceID, domain.DeviceStatusRemoved); err != nil {
		return err
	}
	if _, err := s.sessions.TerminateAllForDevice(ctx, deviceID, domain.TerminationReasonDevice, s.now()); err != nil {
		return err
	}
	if err := s.cache.DeletePrefix(ctx, validationCachePrefix); err != nil {
		s.logger.Error("Failed to flush validation cache", map[string]interface{}{"error": err.Error()})
	}

	event := domain.NewTrustEvent(domain.EventDeviceStatusChanged, userID, deviceID)
	event.Status = string(domain.DeviceStatusRemoved)
	s.publisher.Publish(ctx, events.TopicDevices, event)

	return nil
}

// SetDeviceTrust is the admin override for the trust flag.
func (s *Service) SetDeviceTrust(ctx context.Context, deviceID string, trusted bool) error {
	device, err := s.devices.Find(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return finerrors.ErrDeviceNotRegistered
	}

	if err := s.devices.UpdateTrust(ctx, deviceID, trusted); err != nil {
		return err
	}

	event := domain.NewTrustEvent(domain.EventDeviceTrustChanged, device.UserID, deviceID)
	event.Status = string(device.Status)
	s.publisher.Publish(ctx, events.TopicDevices, event)

	return nil
}

// BlockDevice locks a device and terminates its sessions.
func (s *Service) BlockDevice(ctx context.Context, deviceID string) error {
	device, err := s.devices.Find(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return finerrors.ErrDeviceNotRegistered
	}

	if err := s.devices.UpdateStatus(ctx, deviceID, domain.DeviceStatusBlocked); err != nil {
		return err
	}
	if _, err := s.sessions.TerminateAllForDevice(ctx, deviceID, domain.TerminationReasonAdmin, s.now()); err != nil {
		return err
	}
	if err := s.cache.DeletePrefix(ctx, validationCachePrefix); err != nil {
		s.logger.Error("Failed to flush validation cache", map[string]interface{}{"error": err.Error()})
	}

	event := domain.NewTrustEvent(domain.EventDeviceStatusChanged, device.UserID, deviceID)
	event.Status = string(domain.DeviceStatusBlocked)
	s.publisher.Publish(ctx, events.TopicDevices, event)

	return nil
}

// RescoreDevice recomputes the device risk score from its stored attributes
// and persists score and derived trust in one atomic update.
func (s *Service) RescoreDevice(ctx context.Context, deviceID string) (decimal.Decimal, error) {
	device, err := s.devices.Find(ctx, deviceID)
	if err != nil {
		return decimal.Zero, err
	}
	if device == nil {
		return decimal.Zero, finerrors.ErrDeviceNotRegistered
	}

	rc := risk.RegistrationContext{
		DeviceType:         device.DeviceType,
		DeviceName:         device.DeviceName,
		OSName:             device.OSName,
		OSVersion:          device.OSVersion,
		AppVersion:         device.AppVersion,
		BiometricEnabled:   device.BiometricEnabled,
		PINEnabled:         device.PINEnabled,
		RootedOrJailbroken: device.RootedOrJailbroken,
		IP:                 device.RegistrationIP,
		Location:           device.RegistrationLoc,
	}
	score := s.scorer.DeviceScore(rc)
	trusted, _ := s.scorer.Outcome(score)

	if err := s.devices.UpdateRiskScore(ctx, deviceID, score, trusted); err != nil {
		return decimal.Zero, err
	}

	return score, nil
}

// SweepExpiredSessions reaps sessions whose lifetime has fully passed.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int64, error) {
	count, err := s.sessions.SweepExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("Swept expired sessions", map[string]interface{}{"count": count})
	}
	return count, nil
}

func (s *Service) storeVerificationCode(ctx context.Context, deviceID string) (string, error) {
	code, err := generateVerificationCode()
	if err != nil {
		return "", finerrors.Wrap(err, "failed to generate verification code")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", finerrors.Wrap(err, "failed to hash verification code")
	}
	if err := s.cache.SetString(ctx, verifyCodePrefix+deviceID, string(hash), s.cfg.VerificationCodeTTL); err != nil {
		return "", finerrors.Wrap(err, "failed to store verification code")
	}
	return code, nil
}

// generateVerificationCode returns a random 6-digit numeric code.
func generateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// validationCacheKey hashes the raw token so bearer credentials never appear
// as cache keys.
func validationCacheKey(sessionToken string) string {
	sum := sha256.Sum256([]byte(sessionToken))
	return validationCachePrefix + hex.EncodeToString(sum[:])
}
