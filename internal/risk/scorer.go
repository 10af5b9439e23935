// Package risk computes device and session risk scores.
//
// Scoring is a fixed weighted-sum heuristic: deterministic, side-effect free,
// and always clamped to [0, 10]. Missing telemetry never adds a penalty; the
// device has already passed identity checks by the time it is scored.
package risk

import (
	"strconv"
	"strings"
	"time"

	"fintrust/internal/domain"
	"fintrust/pkg/config"

	"github.com/shopspring/decimal"
)

var (
	scoreFloor = decimal.Zero
	scoreCeil  = decimal.NewFromInt(10)

	// Device registration weights.
	baseNewDevice     = decimal.NewFromFloat(2.0)
	weightRooted      = decimal.NewFromFloat(4.0)
	weightNoLocalAuth = decimal.NewFromFloat(2.0)
	weightOutdatedOS  = decimal.NewFromFloat(1.5)
	weightSuspicious  = decimal.NewFromFloat(2.0)

	// Session authentication weights.
	deviceCarryFactor = decimal.NewFromFloat(0.5)
	weightNewLocation = decimal.NewFromFloat(1.5)
	weightNewIP       = decimal.NewFromFloat(1.0)
	weightUnusualHour = decimal.NewFromFloat(0.5)
)

// RegistrationContext carries the telemetry evaluated at device registration.
type RegistrationContext struct {
	DeviceType         domain.DeviceType
	DeviceName         string
	OSName             string
	OSVersion          string
	AppVersion         string
	BiometricEnabled   bool
	PINEnabled         bool
	RootedOrJailbroken bool
	IP                 string
	Location           string
	UserAgent          string
}

// AuthContext carries the telemetry evaluated at authentication. At is the
// request timestamp; scoring never reads the wall clock itself.
type AuthContext struct {
	Method       domain.LoginMethod
	MFAPresented bool
	IP           string
	Location     string
	At           time.Time
}

// SuspiciousFunc flags registration metadata that matches a known bad
// pattern. The default implementation checks for empty user agents combined
// with emulator fingerprints; deployments can plug their own.
type SuspiciousFunc func(RegistrationContext) bool

// Scorer evaluates registration and authentication telemetry against the
// configured thresholds.
type Scorer struct {
	cfg        config.TrustConfig
	suspicious SuspiciousFunc
}

func NewScorer(cfg config.TrustConfig, suspicious SuspiciousFunc) *Scorer {
	if suspicious == nil {
		suspicious = DefaultSuspicious
	}
	return &Scorer{cfg: cfg, suspicious: suspicious}
}

// DefaultSuspicious flags registrations with empty user agents or emulator
// markers in the device name.
func DefaultSuspicious(rc RegistrationContext) bool {
	if rc.DeviceType == domain.DeviceTypeWeb && strings.TrimSpace(rc.UserAgent) == "" {
		return true
	}
	name := strings.ToLower(rc.DeviceName)
	return strings.Contains(name, "emulator") || strings.Contains(name, "simulator")
}

// DeviceScore computes the registration risk score in [0, 10].
func (s *Scorer) DeviceScore(rc RegistrationContext) decimal.Decimal {
	score := baseNewDevice

	if rc.RootedOrJailbroken {
		score = score.Add(weightRooted)
	}
	if !rc.BiometricEnabled && !rc.PINEnabled {
		score = score.Add(weightNoLocalAuth)
	}
	if s.osBelowFloor(rc.DeviceType, rc.OSVersion) {
		score = score.Add(weightOutdatedOS)
	}
	if s.suspicious(rc) {
		score = score.Add(weightSuspicious)
	}

	return clamp(score)
}

// Outcome maps a device score to the trust flag and initial status: scores
// below the trust threshold are trusted; scores at or above the pending
// threshold require out-of-band confirmation before the first session.
func (s *Scorer) Outcome(score decimal.Decimal) (bool, domain.DeviceStatus) {
	trusted := score.LessThan(decimal.NewFromFloat(s.cfg.TrustThreshold))
	status := domain.DeviceStatusActive
	if score.GreaterThanOrEqual(decimal.NewFromFloat(s.cfg.PendingThreshold)) {
		status = domain.DeviceStatusPendingVerification
	}
	return trusted, status
}

// SessionScore computes the authentication risk score in [0, 10], carrying
// half the device's registration score forward.
func (s *Scorer) SessionScore(device *domain.Device, ac AuthContext) decimal.Decimal {
	score := device.RiskScore.Mul(deviceCarryFactor)

	if ac.Location != "" && device.LastLocation != "" && ac.Location != device.LastLocation {
		score = score.Add(weightNewLocation)
	}
	if ac.IP != "" && device.LastIP != "" && ac.IP != device.LastIP {
		score = score.Add(weightNewIP)
	}
	if s.unusualHour(ac.At) {
		score = score.Add(weightUnusualHour)
	}

	return clamp(score)
}

// Level derives the session security level. The level only ever rises here:
// 2 when the device carries a second factor, 3 when MFA or biometrics were
// actually presented.
func Level(ac AuthContext, device *domain.Device) domain.SecurityLevel {
	level := domain.SecurityLevelBasic
	if device.BiometricEnabled || device.PINEnabled {
		level = domain.SecurityLevelEnhanced
	}
	if ac.MFAPresented || ac.Method == domain.LoginMethodBiometric {
		level = domain.SecurityLevelHigh
	}
	return level
}

func (s *Scorer) unusualHour(at time.Time) bool {
	if at.IsZero() {
		return false
	}
	hour := at.Hour()
	return hour < s.cfg.NormalHoursStart || hour >= s.cfg.NormalHoursEnd
}

func (s *Scorer) osBelowFloor(deviceType domain.DeviceType, osVersion string) bool {
	floor, ok := s.cfg.MinOSVersions[string(deviceType)]
	if !ok {
		return false
	}
	major, ok := majorVersion(osVersion)
	if !ok {
		return false
	}
	return major < floor
}

// majorVersion extracts the leading integer from a dotted version string.
func majorVersion(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	major, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return major, true
}

func clamp(score decimal.Decimal) decimal.Decimal {
	if score.LessThan(scoreFloor) {
		return scoreFloor
	}
	if score.GreaterThan(scoreCeil) {
		return scoreCeil
	}
	return score
}
