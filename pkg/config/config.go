// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	JWT      JWTConfig
	Trust    TrustConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AdminKey guards operator endpoints. Empty disables them.
	AdminKey string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type JWTConfig struct {
	Secret     string
	SessionTTL time.Duration
	RefreshTTL time.Duration
	Issuer     string
}

// TrustConfig holds the device trust and session risk knobs.
type TrustConfig struct {
	// MaxActiveDevices is the per-user bound on ACTIVE devices.
	MaxActiveDevices int
	// TrustThreshold: devices scoring below it are marked trusted.
	TrustThreshold float64
	// PendingThreshold: devices scoring above it start in PENDING_VERIFICATION.
	PendingThreshold float64
	// MinOSVersions maps device type to the lowest acceptable OS major version.
	MinOSVersions map[string]int
	// NormalHoursStart/End bound the window outside which logins score higher.
	NormalHoursStart int
	NormalHoursEnd   int
	// ValidationCacheTTL bounds staleness of cached session validations.
	ValidationCacheTTL time.Duration
	// VerificationCodeTTL bounds the out-of-band device confirmation window.
	VerificationCodeTTL time.Duration
	// EventPublishRetries bounds best-effort event delivery attempts.
	EventPublishRetries int
	// SweepInterval is how often expired sessions are reaped.
	SweepInterval time.Duration
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			AdminKey:     getEnv("ADMIN_API_KEY", ""),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Enabled: getBoolEnv("NATS_ENABLED", true),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "change-this-secret"),
			SessionTTL: getDurationEnv("JWT_SESSION_TTL", 15*time.Minute),
			RefreshTTL: getDurationEnv("JWT_REFRESH_TTL", 24*time.Hour),
			Issuer:     getEnv("JWT_ISSUER", "fintrust"),
		},
		Trust: TrustConfig{
			MaxActiveDevices: getIntEnv("TRUST_MAX_ACTIVE_DEVICES", 5),
			TrustThreshold:   getFloatEnv("TRUST_THRESHOLD", 5.0),
			PendingThreshold: getFloatEnv("TRUST_PENDING_THRESHOLD", 8.0),
			MinOSVersions: map[string]int{
				"MOBILE_IOS":     getIntEnv("TRUST_MIN_IOS_MAJOR", 15),
				"MOBILE_ANDROID": getIntEnv("TRUST_MIN_ANDROID_MAJOR", 11),
			},
			NormalHoursStart:    getIntEnv("TRUST_NORMAL_HOURS_START", 6),
			NormalHoursEnd:      getIntEnv("TRUST_NORMAL_HOURS_END", 22),
			ValidationCacheTTL:  getDurationEnv("TRUST_VALIDATION_CACHE_TTL", 30*time.Second),
			VerificationCodeTTL: getDurationEnv("TRUST_VERIFICATION_CODE_TTL", 15*time.Minute),
			EventPublishRetries: getIntEnv("TRUST_EVENT_PUBLISH_RETRIES", 3),
			SweepInterval:       getDurationEnv("TRUST_SWEEP_INTERVAL", time.Minute),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}
