package trust

import (
	"context"
	"encoding/json"
	"testing"
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
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mocks ---

type MockDeviceRepository struct {
	mock.Mock
}

func (m *MockDeviceRepository) Find(ctx context.Context, deviceID string) (*domain.Device, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Device), args.Error(1)
}

func (m *MockDeviceRepository) FindByUser(ctx context.Context, userID string, status *domain.DeviceStatus) ([]domain.Device, error) {
	args := m.Called(ctx, userID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Device), args.Error(1)
}

func (m *MockDeviceRepository) Save(ctx context.Context, device *domain.Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *MockDeviceRepository) CountActive(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockDeviceRepository) UpdateActivity(ctx context.Context, deviceID, ip, location string, at time.Time) error {
	args := m.Called(ctx, deviceID, ip, location, at)
	return args.Error(0)
}

func (m *MockDeviceRepository) UpdateRiskScore(ctx context.Context, deviceID string, score decimal.Decimal, trusted bool) error {
	args := m.Called(ctx, deviceID, score, trusted)
	return args.Error(0)
}

func (m *MockDeviceRepository) UpdateTrust(ctx context.Context, deviceID string, trusted bool) error {
	args := m.Called(ctx, deviceID, trusted)
	return args.Error(0)
}

func (m *MockDeviceRepository) UpdateStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	args := m.Called(ctx, deviceID, status)
	return args.Error(0)
}

func (m *MockDeviceRepository) UpdateMFASecret(ctx context.Context, deviceID, encryptedSecret string) error {
	args := m.Called(ctx, deviceID, encryptedSecret)
	return args.Error(0)
}

type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) FindByToken(ctx context.Context, sessionToken string) (*domain.Session, error) {
	args := m.Called(ctx, sessionToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionRepository) FindByRefreshToken(ctx context.Context, refreshToken string) (*domain.Session, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionRepository) Rotate(ctx context.Context, id uuid.UUID, sessionToken, refreshToken string, expiresAt, refreshExpiresAt, now time.Time) (bool, error) {
	args := m.Called(ctx, id, sessionToken, refreshToken, expiresAt, refreshExpiresAt, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionRepository) Terminate(ctx context.Context, sessionToken, reason string, at time.Time) (bool, error) {
	args := m.Called(ctx, sessionToken, reason, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionRepository) TerminateAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	args := m.Called(ctx, userID, reason, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSessionRepository) TerminateAllForDevice(ctx context.Context, deviceID, reason string, at time.Time) (int64, error) {
	args := m.Called(ctx, deviceID, reason, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSessionRepository) TouchActivity(ctx context.Context, sessionToken string, at time.Time) error {
	args := m.Called(ctx, sessionToken, at)
	return args.Error(0)
}

func (m *MockSessionRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// fakeCache is an in-memory stand-in for the redis-backed cache.
type fakeCache struct {
	entries map[string][]byte
	strings map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string][]byte),
		strings: make(map[string]string),
	}
}

func (c *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = data
	return nil
}

func (c *fakeCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, ok := c.entries[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	delete(c.entries, key)
	delete(c.strings, key)
	return nil
}

func (c *fakeCache) DeletePrefix(ctx context.Context, prefix string) error {
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
	for key := range c.strings {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.strings, key)
		}
	}
	return nil
}

func (c *fakeCache) SetString(ctx context.Context, key, value string, expiration time.Duration) error {
	c.strings[key] = value
	return nil
}

func (c *fakeCache) GetString(ctx context.Context, key string) (string, error) {
	value, ok := c.strings[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return value, nil
}

// capturePublisher records published events for assertions.
type capturePublisher struct {
	topics []string
	events []domain.TrustEvent
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, event domain.TrustEvent) {
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
}

func (p *capturePublisher) last() domain.TrustEvent {
	return p.events[len(p.events)-1]
}

// fakeCrypto wraps plaintext with a marker instead of real encryption.
type fakeCrypto struct{}

func (fakeCrypto) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }

func (fakeCrypto) Decrypt(cryptoText string) (string, error) {
	return cryptoText[len("enc:"):], nil
}

// --- Helpers ---

type testEnv struct {
	service   *Service
	devices   *MockDeviceRepository
	sessions  *MockSessionRepository
	cache     *fakeCache
	issuer    *token.Issuer
	published *capturePublisher
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	trustCfg := config.TrustConfig{
		MaxActiveDevices: 5,
		TrustThreshold:   5.0,
		PendingThreshold: 8.0,
		MinOSVersions: map[string]int{
			"MOBILE_IOS":     15,
			"MOBILE_ANDROID": 11,
		},
		NormalHoursStart:    6,
		NormalHoursEnd:      22,
		ValidationCacheTTL:  30 * time.Second,
		VerificationCodeTTL: 15 * time.Minute,
	}
	jwtCfg := config.JWTConfig{
		Secret:     "test-secret-key-that-is-long-enough",
		SessionTTL: 15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		Issuer:     "fintrust",
	}

	devices := new(MockDeviceRepository)
	sessions := new(MockSessionRepository)
	fc := newFakeCache()
	issuer := token.NewIssuer(jwtCfg.Secret, jwtCfg.Issuer)
	scorer := risk.NewScorer(trustCfg, nil)
	published := &capturePublisher{}

	service := NewService(devices, sessions, issuer, published, fc,
		fakeCrypto{}, scorer, logger.NewNop(), trustCfg, jwtCfg)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }

	return &testEnv{
		service:   service,
		devices:   devices,
		sessions:  sessions,
		cache:     fc,
		issuer:    issuer,
		published: published,
		now:       now,
	}
}

func cleanRegisterRequest() *RegisterDeviceRequest {
	return &RegisterDeviceRequest{
		UserID:           "user-1",
		DeviceID:         "device-1",
		DeviceType:       "MOBILE_IOS",
		DeviceName:       "iPhone 15",
		OSName:           "iOS",
		OSVersion:        "17.2",
		AppVersion:       "3.1.0",
		BiometricEnabled: true,
		IP:               "10.0.0.1",
		Location:         "Lilongwe",
	}
}

func activeDevice() *domain.Device {
	return &domain.Device{
		DeviceID:         "device-1",
		UserID:           "user-1",
		DeviceType:       domain.DeviceTypeMobileIOS,
		DeviceName:       "iPhone 15",
		OSVersion:        "17.2",
		BiometricEnabled: true,
		Trusted:          true,
		RiskScore:        decimal.NewFromFloat(2.0),
		Status:           domain.DeviceStatusActive,
		LastIP:           "10.0.0.1",
		LastLocation:     "Lilongwe",
	}
}

// --- Register ---

func TestRegisterDevice_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(nil, nil)
	env.devices.On("CountActive", ctx, "user-1").Return(1, nil)
	env.devices.On("Save", ctx, mock.Anything).Return(nil)

	result, err := env.service.RegisterDevice(ctx, cleanRegisterRequest())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, domain.DeviceStatusActive, result.Device.Status)
	assert.True(t, result.Device.Trusted)
	assert.True(t, result.Device.RiskScore.Equal(decimal.NewFromFloat(2.0)))
	assert.False(t, result.VerificationRequired)

	require.Len(t, env.published.events, 1)
	assert.Equal(t, events.TopicDevices, env.published.topics[0])
	assert.Equal(t, domain.EventDeviceRegistered, env.published.last().EventType)
	assert.Empty(t, env.published.last().VerificationCode)
}

func TestRegisterDevice_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)

	_, err := env.service.RegisterDevice(ctx, cleanRegisterRequest())
	assert.ErrorIs(t, err, finerrors.ErrDeviceAlreadyRegistered)
	env.devices.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestRegisterDevice_LimitReached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(nil, nil)
	env.devices.On("CountActive", ctx, "user-1").Return(5, nil)

	_, err := env.service.RegisterDevice(ctx, cleanRegisterRequest())
	assert.ErrorIs(t, err, finerrors.ErrDeviceLimitExceeded)
	env.devices.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestRegisterDevice_FifthDeviceSucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Four active devices before, five after: exactly at the limit.
	env.devices.On("Find", ctx, "device-1").Return(nil, nil)
	env.devices.On("CountActive", ctx, "user-1").Return(4, nil).Once()
	env.devices.On("Save", ctx, mock.Anything).Return(nil)
	env.devices.On("CountActive", ctx, "user-1").Return(5, nil).Once()

	result, err := env.service.RegisterDevice(ctx, cleanRegisterRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusActive, result.Device.Status)
	env.devices.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestRegisterDevice_ConcurrentLimitRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(nil, nil)
	// Pre-check passes with 4, re-check after the insert sees 6: another
	// registration slipped in between. The loser rolls back.
	env.devices.On("CountActive", ctx, "user-1").Return(4, nil).Once()
	env.devices.On("Save", ctx, mock.Anything).Return(nil)
	env.devices.On("CountActive", ctx, "user-1").Return(6, nil).Once()
	env.devices.On("UpdateStatus", ctx, "device-1", domain.DeviceStatusRemoved).Return(nil)

	_, err := env.service.RegisterDevice(ctx, cleanRegisterRequest())
	assert.ErrorIs(t, err, finerrors.ErrDeviceLimitExceeded)
	env.devices.AssertCalled(t, "UpdateStatus", ctx, "device-1", domain.DeviceStatusRemoved)
}

func TestRegisterDevice_HighRiskGoesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := cleanRegisterRequest()
	req.DeviceType = "MOBILE_ANDROID"
	req.DeviceName = "Android Emulator"
	req.OSVersion = "9"
	req.BiometricEnabled = false
	req.RootedOrJailbroken = true

	env.devices.On("Find", ctx, "device-1").Return(nil, nil)
	env.devices.On("CountActive", ctx, "user-1").Return(0, nil)
	env.devices.On("Save", ctx, mock.Anything).Return(nil)

	result, err := env.service.RegisterDevice(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, domain.DeviceStatusPendingVerification, result.Device.Status)
	assert.False(t, result.Device.Trusted)
	assert.True(t, result.VerificationRequired)

	// The clear code travels only on the event for out-of-band delivery.
	require.Len(t, env.published.events, 1)
	code := env.published.last().VerificationCode
	assert.Len(t, code, 6)

	// The stored code is a bcrypt hash, never the clear code.
	stored, err := env.cache.GetString(ctx, verifyCodePrefix+"device-1")
	require.NoError(t, err)
	assert.NotEqual(t, code, stored)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored), []byte(code)))
}

// --- Confirm ---

func TestConfirmDevice_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	device := activeDevice()
	device.Status = domain.DeviceStatusPendingVerification

	hash, err := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.DefaultCost)
	require.NoError(t, err)
	require.NoError(t, env.cache.SetString(ctx, verifyCodePrefix+"device-1", string(hash), time.Minute))

	env.devices.On("Find", ctx, "device-1").Return(device, nil)
	env.devices.On("CountActive", ctx, "user-1").Return(2, nil)
	env.devices.On("UpdateStatus", ctx, "device-1", domain.DeviceStatusActive).Return(nil)

	require.NoError(t, env.service.ConfirmDevice(ctx, "device-1", "123456"))

	_, err = env.cache.GetString(ctx, verifyCodePrefix+"device-1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestConfirmDevice_ConcurrentLimitRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	device := activeDevice()
	device.Status = domain.DeviceStatusPendingVerification

	hash, err := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.DefaultCost)
	require.NoError(t, err)
	require.NoError(t, env.cache.SetString(ctx, verifyCodePrefix+"device-1", string(hash), time.Minute))

	// Pre-check passes with 4, re-check after activation sees 6: a
	// registration slipped in between. The confirm rolls back to pending.
	env.devices.On("Find", ctx, "device-1").Return(device, nil)
	env.devices.On("CountActive", ctx, "user-1").Return(4, nil).Once()
	env.devices.On("UpdateStatus", ctx, "device-1", domain.DeviceStatusActive).Return(nil)
	env.devices.On("CountActive", ctx, "user-1").Return(6, nil).Once()
	env.devices.On("UpdateStatus", ctx, "device-1", domain.DeviceStatusPendingVerification).Return(nil)

	err = env.service.ConfirmDevice(ctx, "device-1", "123456")
	assert.ErrorIs(t, err, finerrors.ErrDeviceLimitExceeded)
	env.devices.AssertCalled(t, "UpdateStatus", ctx, "device-1", domain.DeviceStatusPendingVerification)

	// The code survives the rollback so the user can confirm again later.
	_, err = env.cache.GetString(ctx, verifyCodePrefix+"device-1")
	assert.NoError(t, err)
}

func TestConfirmDevice_WrongCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	device := activeDevice()
	device.Status = domain.DeviceStatusPendingVerification

	hash, err := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.DefaultCost)
	require.NoError(t, err)
	require.NoError(t, env.cache.SetString(ctx, verifyCodePrefix+"device-1", string(hash), time.Minute))

	env.devices.On("Find", ctx, "device-1").Return(device, nil)

	err = env.service.ConfirmDevice(ctx, "device-1", "654321")
	assert.ErrorIs(t, err, finerrors.ErrInvalidVerificationCode)
}

func TestConfirmDevice_ExpiredCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	device := activeDevice()
	device.Status = domain.DeviceStatusPendingVerification

	env.devices.On("Find", ctx, "device-1").Return(device, nil)

	err := env.service.ConfirmDevice(ctx, "device-1", "123456")
	assert.ErrorIs(t, err, finerrors.ErrVerificationCodeExpired)
}

func TestConfirmDevice_NotPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)

	err := env.service.ConfirmDevice(ctx, "device-1", "123456")
	assert.ErrorIs(t, err, finerrors.ErrDeviceNotPending)
}

// --- Authenticate ---

func TestAuthenticate_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)
	env.sessions.On("Create", ctx, mock.Anything).Return(nil)
	env.devices.On("UpdateActivity", ctx, "device-1", "10.0.0.1", "Lilongwe", env.now).Return(nil)

	result, err := env.service.Authenticate(ctx, &AuthenticateRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Method:   "PASSWORD",
		IP:       "10.0.0.1",
		Location: "Lilongwe",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.Tokens.SessionToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)
	assert.NotEqual(t, result.Tokens.SessionToken, result.Tokens.RefreshToken)
	assert.Equal(t, env.now.Add(15*time.Minute), result.Tokens.ExpiresAt)
	assert.Equal(t, env.now.Add(24*time.Hour), result.Tokens.RefreshExpiresAt)
	assert.Equal(t, domain.SecurityLevelEnhanced, result.SecurityLevel)

	claims, err := env.issuer.Verify(result.Tokens.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, token.TypeSession, claims.Type)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "device-1", claims.DeviceID)
}

func TestAuthenticate_BiometricGivesHighLevel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)
	env.sessions.On("Create", ctx, mock.Anything).Return(nil)
	env.devices.On("UpdateActivity", ctx, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	result, err := env.service.Authenticate(ctx, &AuthenticateRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Method:   "BIOMETRIC",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SecurityLevelHigh, result.SecurityLevel)
	assert.True(t, result.Session.BiometricVerified)
}

func TestAuthenticate_UnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(nil, nil)

	_, err := env.service.Authenticate(ctx, &AuthenticateRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Method:   "PASSWORD",
	})
	assert.ErrorIs(t, err, finerrors.ErrDeviceNotRegistered)
}

func TestAuthenticate_WrongOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	device := activeDevice()
	device.UserID = "someone-else"
	env.devices.On("Find", ctx, "device-1").Return(device, nil)

	_, err := env.service.Authenticate(ctx, &AuthenticateRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Method:   "PASSWORD",
	})
	assert.ErrorIs(t, err, finerrors.ErrDeviceNotRegistered)
}

func TestAuthenticate_BlockedDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	device := activeDevice()
	device.Status = domain.DeviceStatusBlocked
	env.devices.On("Find", ctx, "device-1").Return(device, nil)

	_, err := env.service.Authenticate(ctx, &AuthenticateRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Method:   "PASSWORD",
	})
	assert.ErrorIs(t, err, finerrors.ErrDeviceNotActive)
	env.sessions.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestAuthenticate_MFANotEnrolled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)

	_, err := env.service.Authenticate(ctx, &AuthenticateRequest{
		UserID:   "user-1",
		DeviceID: "device-1",
		Method:   "PASSWORD",
		MFAToken: "000000",
	})
	assert.ErrorIs(t, err, finerrors.ErrMFANotEnrolled)
}

// --- Refresh ---

func TestRefreshToken_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldSession, err := env.issuer.IssueSessionToken("user-1", "device-1", 15*time.Minute)
	require.NoError(t, err)
	oldRefresh, err := env.issuer.IssueRefreshToken("user-1", "device-1", 24*time.Hour)
	require.NoError(t, err)

	refreshExpiry := env.now.Add(12 * time.Hour)
	session := &domain.Session{
		ID:               uuid.New(),
		UserID:           "user-1",
		DeviceID:         "device-1",
		SessionToken:     oldSession,
		RefreshToken:     &oldRefresh,
		ExpiresAt:        env.now.Add(-time.Minute),
		RefreshExpiresAt: &refreshExpiry,
		IsActive:         true,
	}

	env.sessions.On("FindByRefreshToken", ctx, oldRefresh).Return(session, nil)
	env.sessions.On("Rotate", ctx, session.ID, mock.Anything, mock.Anything,
		env.now.Add(15*time.Minute), env.now.Add(24*time.Hour), env.now).Return(true, nil)

	pair, err := env.service.RefreshToken(ctx, oldRefresh)
	require.NoError(t, err)

	assert.NotEqual(t, oldSession, pair.SessionToken)
	assert.NotEqual(t, oldRefresh, pair.RefreshToken)
	assert.True(t, pair.RefreshExpiresAt.After(refreshExpiry))
}

func TestRefreshToken_SessionTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessionToken, err := env.issuer.IssueSessionToken("user-1", "device-1", 15*time.Minute)
	require.NoError(t, err)

	_, err = env.service.RefreshToken(ctx, sessionToken)
	assert.ErrorIs(t, err, finerrors.ErrInvalidRefreshToken)
}

func TestRefreshToken_TerminatedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldRefresh, err := env.issuer.IssueRefreshToken("user-1", "device-1", 24*time.Hour)
	require.NoError(t, err)

	refreshExpiry := env.now.Add(12 * time.Hour)
	session := &domain.Session{
		ID:               uuid.New(),
		RefreshToken:     &oldRefresh,
		RefreshExpiresAt: &refreshExpiry,
		IsActive:         false,
	}
	env.sessions.On("FindByRefreshToken", ctx, oldRefresh).Return(session, nil)

	_, err = env.service.RefreshToken(ctx, oldRefresh)
	assert.ErrorIs(t, err, finerrors.ErrSessionNotRefreshable)
}

func TestRefreshToken_ExpiredRefreshWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldRefresh, err := env.issuer.IssueRefreshToken("user-1", "device-1", 24*time.Hour)
	require.NoError(t, err)

	refreshExpiry := env.now.Add(-time.Minute)
	session := &domain.Session{
		ID:               uuid.New(),
		RefreshToken:     &oldRefresh,
		RefreshExpiresAt: &refreshExpiry,
		IsActive:         true,
	}
	env.sessions.On("FindByRefreshToken", ctx, oldRefresh).Return(session, nil)

	_, err = env.service.RefreshToken(ctx, oldRefresh)
	assert.ErrorIs(t, err, finerrors.ErrSessionNotRefreshable)
}

func TestRefreshToken_LosesRaceToTerminate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldRefresh, err := env.issuer.IssueRefreshToken("user-1", "device-1", 24*time.Hour)
	require.NoError(t, err)

	refreshExpiry := env.now.Add(12 * time.Hour)
	session := &domain.Session{
		ID:               uuid.New(),
		UserID:           "user-1",
		DeviceID:         "device-1",
		RefreshToken:     &oldRefresh,
		RefreshExpiresAt: &refreshExpiry,
		IsActive:         true,
	}
	env.sessions.On("FindByRefreshToken", ctx, oldRefresh).Return(session, nil)
	env.sessions.On("Rotate", ctx, session.ID, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, env.now).Return(false, nil)

	_, err = env.service.RefreshToken(ctx, oldRefresh)
	assert.ErrorIs(t, err, finerrors.ErrSessionNotRefreshable)
}

func TestRefreshToken_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	expired, err := env.issuer.IssueRefreshToken("user-1", "device-1", -time.Minute)
	require.NoError(t, err)

	_, err = env.service.RefreshToken(ctx, expired)
	assert.ErrorIs(t, err, finerrors.ErrInvalidRefreshToken)
	env.sessions.AssertNotCalled(t, "FindByRefreshToken", mock.Anything, mock.Anything)
}

func TestRefreshToken_GarbageToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.RefreshToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, finerrors.ErrInvalidRefreshToken)
}

// --- Validate ---

func TestValidateSession_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessionToken, err := env.issuer.IssueSessionToken("user-1", "device-1", 15*time.Minute)
	require.NoError(t, err)

	session := &domain.Session{
		ID:            uuid.New(),
		UserID:        "user-1",
		DeviceID:      "device-1",
		SessionToken:  sessionToken,
		SecurityLevel: domain.SecurityLevelEnhanced,
		RiskScore:     decimal.NewFromFloat(1.0),
		ExpiresAt:     env.now.Add(10 * time.Minute),
		IsActive:      true,
	}

	env.sessions.On("FindByToken", ctx, sessionToken).Return(session, nil)
	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)
	env.sessions.On("TouchActivity", ctx, sessionToken, env.now).Return(nil)

	validation, err := env.service.ValidateSession(ctx, sessionToken)
	require.NoError(t, err)
	require.NotNil(t, validation)

	assert.Equal(t, "user-1", validation.UserID)
	assert.Equal(t, "device-1", validation.DeviceID)
	assert.Equal(t, domain.SecurityLevelEnhanced, validation.SecurityLevel)
	assert.True(t, validation.FullyAuthenticated)
}

func TestValidateSession_SecondCallHitsCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessionToken, err := env.issuer.IssueSessionToken("user-1", "device-1", 15*time.Minute)
	require.NoError(t, err)

	session := &domain.Session{
		ID:            uuid.New(),
		UserID:        "user-1",
		DeviceID:      "device-1",
		SessionToken:  sessionToken,
		SecurityLevel: domain.SecurityLevelBasic,
		ExpiresAt:     env.now.Add(10 * time.Minute),
		IsActive:      true,
	}

	env.sessions.On("FindByToken", ctx, sessionToken).Return(session, nil).Once()
	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil).Once()
	env.sessions.On("TouchActivity", ctx, sessionToken, env.now).Return(nil).Once()

	first, err := env.service.ValidateSession(ctx, sessionToken)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Store is only consulted once; the second call is served from cache.
	second, err := env.service.ValidateSession(ctx, sessionToken)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.UserID, second.UserID)
	env.sessions.AssertNumberOfCalls(t, "FindByToken", 1)
}

func TestValidateSession_InvalidToken(t *testing.T) {
	env := newTestEnv(t)

	validation, err := env.service.ValidateSession(context.Background(), "garbage")
	require.NoError(t, err)
	assert.Nil(t, validation)
}

func TestValidateSession_RefreshTokenRejected(t *testing.T) {
	env := newTestEnv(t)

	refreshToken, err := env.issuer.IssueRefreshToken("user-1", "device-1", 24*time.Hour)
	require.NoError(t, err)

	validation, err := env.service.ValidateSession(context.Background(), refreshToken)
	require.NoError(t, err)
	assert.Nil(t, validation)
}

func TestValidateSession_ExpiredSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessionToken, err := env.issuer.IssueSessionToken("user-1", "device-1", 15*time.Minute)
	require.NoError(t, err)

	session := &domain.Session{
		ID:           uuid.New(),
		UserID:       "user-1",
		DeviceID:     "device-1",
		SessionToken: sessionToken,
		ExpiresAt:    env.now.Add(-time.Minute),
		IsActive:     true,
	}
	env.sessions.On("FindByToken", ctx, sessionToken).Return(session, nil)

	validation, err := env.service.ValidateSession(ctx, sessionToken)
	require.NoError(t, err)
	assert.Nil(t, validation)
}

func TestValidateSession_BlockedDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessionToken, err := env.issuer.IssueSessionToken("user-1", "device-1", 15*time.Minute)
	require.NoError(t, err)

	session := &domain.Session{
		ID:           uuid.New(),
		UserID:       "user-1",
		DeviceID:     "device-1",
		SessionToken: sessionToken,
		ExpiresAt:    env.now.Add(10 * time.Minute),
		IsActive:     true,
	}
	device := activeDevice()
	device.Status = domain.DeviceStatusBlocked

	env.sessions.On("FindByToken", ctx, sessionToken).Return(session, nil)
	env.devices.On("Find", ctx, "device-1").Return(device, nil)

	validation, err := env.service.ValidateSession(ctx, sessionToken)
	require.NoError(t, err)
	assert.Nil(t, validation)
}

// --- Terminate ---

func TestTerminateSession_EvictsCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessionToken, err := env.issuer.IssueSessionToken("user-1", "device-1", 15*time.Minute)
	require.NoError(t, err)

	session := &domain.Session{
		ID:            uuid.New(),
		UserID:        "user-1",
		DeviceID:      "device-1",
		SessionToken:  sessionToken,
		SecurityLevel: domain.SecurityLevelBasic,
		ExpiresAt:     env.now.Add(10 * time.Minute),
		IsActive:      true,
	}

	env.sessions.On("FindByToken", ctx, sessionToken).Return(session, nil)
	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)
	env.sessions.On("TouchActivity", ctx, sessionToken, env.now).Return(nil)

	// Warm the cache.
	validation, err := env.service.ValidateSession(ctx, sessionToken)
	require.NoError(t, err)
	require.NotNil(t, validation)

	env.sessions.On("Terminate", ctx, sessionToken, domain.TerminationReasonLogout, env.now).Return(true, nil)
	require.NoError(t, env.service.TerminateSession(ctx, sessionToken, domain.TerminationReasonLogout))

	// The cached entry is gone; a fresh lookup sees the terminated row.
	terminated := *session
	terminated.IsActive = false
	env.sessions.ExpectedCalls = nil
	env.sessions.On("FindByToken", ctx, sessionToken).Return(&terminated, nil)

	validation, err = env.service.ValidateSession(ctx, sessionToken)
	require.NoError(t, err)
	assert.Nil(t, validation)
}

func TestTerminateSession_NotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.sessions.On("FindByToken", ctx, "unknown").Return(nil, nil)

	err := env.service.TerminateSession(ctx, "unknown", domain.TerminationReasonLogout)
	assert.ErrorIs(t, err, finerrors.ErrSessionNotFound)
}

func TestTerminateAllUserSessions_FlushesCacheNamespace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.cache.Set(ctx, validationCachePrefix+"abc", &Validation{UserID: "user-1"}, time.Minute))

	env.sessions.On("TerminateAllForUser", ctx, "user-1", domain.TerminationReasonAdmin, env.now).Return(int64(3), nil)

	count, err := env.service.TerminateAllUserSessions(ctx, "user-1", domain.TerminationReasonAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	var dest Validation
	assert.ErrorIs(t, env.cache.Get(ctx, validationCachePrefix+"abc", &dest), cache.ErrCacheMiss)
}

// --- Device management ---

func TestRemoveDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)
	env.devices.On("UpdateStatus", ctx, "device-1", domain.DeviceStatusRemoved).Return(nil)
	env.sessions.On("TerminateAllForDevice", ctx, "device-1", domain.TerminationReasonDevice, env.now).Return(int64(2), nil)

	require.NoError(t, env.service.RemoveDevice(ctx, "user-1", "device-1"))
}

func TestRemoveDevice_WrongOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)

	err := env.service.RemoveDevice(ctx, "other-user", "device-1")
	assert.ErrorIs(t, err, finerrors.ErrDeviceNotRegistered)
	env.devices.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestBlockDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)
	env.devices.On("UpdateStatus", ctx, "device-1", domain.DeviceStatusBlocked).Return(nil)
	env.sessions.On("TerminateAllForDevice", ctx, "device-1", domain.TerminationReasonAdmin, env.now).Return(int64(1), nil)

	require.NoError(t, env.service.BlockDevice(ctx, "device-1"))
}

func TestRescoreDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	device := activeDevice()
	device.RootedOrJailbroken = true

	env.devices.On("Find", ctx, "device-1").Return(device, nil)
	env.devices.On("UpdateRiskScore", ctx, "device-1", mock.Anything, false).Return(nil)

	score, err := env.service.RescoreDevice(ctx, "device-1")
	require.NoError(t, err)
	// base 2.0 + rooted 4.0
	assert.True(t, score.Equal(decimal.NewFromFloat(6.0)), "got %s", score)
}

func TestEnrollMFA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.devices.On("Find", ctx, "device-1").Return(activeDevice(), nil)
	env.devices.On("UpdateMFASecret", ctx, "device-1", mock.MatchedBy(func(s string) bool {
		return len(s) > len("enc:") && s[:len("enc:")] == "enc:"
	})).Return(nil)

	secret, url, err := env.service.EnrollMFA(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Contains(t, url, "otpauth://")
}

func TestSweepExpiredSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.sessions.On("SweepExpired", ctx, env.now).Return(int64(7), nil)

	count, err := env.service.SweepExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}
