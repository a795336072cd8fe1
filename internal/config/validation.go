package config

import (
	"encoding/base64"
	"fmt"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format", "must be json or console, got %q", c.Log.Format)
	}

	if c.Token.Secret == "" {
		add("token.secret", "signing secret is required (generate one with `xp-security genkey`)")
	} else if secret, err := c.SigningSecret(); err != nil {
		add("token.secret", "must be base64 encoded: %v", err)
	} else if len(secret) < 32 {
		add("token.secret", "must decode to at least 256 bits, got %d bits", len(secret)*8)
	}
	if c.Token.TTL <= 0 {
		add("token.ttl", "must be positive, got %s", c.Token.TTL)
	}

	if c.Encryption.Key != "" {
		key, err := base64.StdEncoding.DecodeString(c.Encryption.Key)
		if err != nil {
			add("encryption.key", "must be base64 encoded: %v", err)
		} else if len(key) != 32 {
			add("encryption.key", "must decode to 32 bytes for AES-256, got %d", len(key))
		}
	}

	switch c.RateLimit.Strategy {
	case "lockout", "token_bucket":
	default:
		add("ratelimit.strategy", "must be lockout or token_bucket, got %q", c.RateLimit.Strategy)
	}
	if c.RateLimit.MaxAttempts <= 0 {
		add("ratelimit.max_attempts", "must be positive, got %d", c.RateLimit.MaxAttempts)
	}
	if c.RateLimit.Lockout <= 0 {
		add("ratelimit.lockout", "must be positive, got %s", c.RateLimit.Lockout)
	}

	if c.Anomaly.MaxFailedLoginsPerHour <= 0 || c.Anomaly.MaxDataAccessPerMinute <= 0 || c.Anomaly.MaxRequestsPerMinute <= 0 {
		add("anomaly", "activity thresholds must be positive")
	}
	if c.Anomaly.OffHoursStart < 0 || c.Anomaly.OffHoursEnd > 23 || c.Anomaly.OffHoursStart > c.Anomaly.OffHoursEnd {
		add("anomaly.off_hours", "expected 0 <= start <= end <= 23, got %d..%d", c.Anomaly.OffHoursStart, c.Anomaly.OffHoursEnd)
	}
	if _, err := c.Location(); err != nil {
		add("anomaly.timezone", "%v", err)
	}
	if c.Anomaly.Retention <= 0 {
		add("anomaly.retention", "must be positive, got %s", c.Anomaly.Retention)
	}

	if c.MFA.Issuer == "" {
		add("mfa.issuer", "issuer is required")
	}

	switch c.Audit.DBDriver {
	case "":
	case "sqlite", "postgres":
		if c.Audit.DBDSN == "" {
			add("audit.db_dsn", "required when audit.db_driver is %s", c.Audit.DBDriver)
		}
	default:
		add("audit.db_driver", "must be sqlite or postgres, got %q", c.Audit.DBDriver)
	}

	if c.Audit.Retention < 0 {
		add("audit.retention", "must not be negative")
	}

	if c.Maintenance.CleanupInterval <= 0 || c.Maintenance.HealthInterval <= 0 || c.Maintenance.ReportInterval <= 0 {
		add("maintenance", "job intervals must be positive")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate", "must be between 0 and 1, got %f", c.Tracing.SamplingRate)
	}

	return errs
}
