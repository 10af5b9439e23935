package config

import (
	"errors"
	"fmt"
)

// ValidateCore checks the settings every service needs before it can start.
func (c *Config) ValidateCore() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.JWT.Secret == "" || c.JWT.Secret == "change-this-secret" {
		return errors.New("JWT_SECRET must be set to a non-default value")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 bytes")
	}
	if c.JWT.RefreshTTL <= c.JWT.SessionTTL {
		return errors.New("JWT_REFRESH_TTL must be greater than JWT_SESSION_TTL")
	}
	if c.Trust.MaxActiveDevices < 1 {
		return errors.New("TRUST_MAX_ACTIVE_DEVICES must be at least 1")
	}
	if c.Trust.NormalHoursStart < 0 || c.Trust.NormalHoursStart > 23 ||
		c.Trust.NormalHoursEnd < 0 || c.Trust.NormalHoursEnd > 23 {
		return errors.New("normal hours must be within 0-23")
	}
	if c.Trust.NormalHoursStart >= c.Trust.NormalHoursEnd {
		return fmt.Errorf("normal hours window is empty: %d-%d", c.Trust.NormalHoursStart, c.Trust.NormalHoursEnd)
	}
	return nil
}
