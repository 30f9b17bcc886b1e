package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be between 1 and 65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be between 1 and 65535, got %d", c.Redis.Port))
	}

	if c.Quota.ReservationTTL <= 0 {
		errs = append(errs, "QUOTA_RESERVATION_TTL must be positive")
	}
	if c.Quota.SweepInterval <= 0 {
		errs = append(errs, "QUOTA_SWEEP_INTERVAL must be positive")
	}
	if c.Quota.SnapshotTTL <= 0 {
		errs = append(errs, "QUOTA_SNAPSHOT_TTL must be positive")
	}
	if c.Quota.SweepInterval >= c.Quota.ReservationTTL {
		errs = append(errs, "QUOTA_SWEEP_INTERVAL should be shorter than QUOTA_RESERVATION_TTL")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
