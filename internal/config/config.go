package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "XP"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Token       TokenConfig       `mapstructure:"token"`
	Encryption  EncryptionConfig  `mapstructure:"encryption"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Anomaly     AnomalyConfig     `mapstructure:"anomaly"`
	MFA         MFAConfig         `mapstructure:"mfa"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type TokenConfig struct {
	Secret        string        `mapstructure:"secret"` // base64, >= 256 bits once decoded
	TTL           time.Duration `mapstructure:"ttl"`
	AllowDevIssue bool          `mapstructure:"allow_dev_issue"` // exposes POST /api/v1/auth/token
}

type EncryptionConfig struct {
	Key string `mapstructure:"key"` // base64 AES-256 key; empty = ephemeral per-process key
}

type RateLimitConfig struct {
	Strategy    string        `mapstructure:"strategy"` // lockout | token_bucket
	MaxAttempts int           `mapstructure:"max_attempts"`
	Lockout     time.Duration `mapstructure:"lockout"`
}

type AnomalyConfig struct {
	MaxFailedLoginsPerHour int           `mapstructure:"max_failed_logins_per_hour"`
	MaxDataAccessPerMinute int           `mapstructure:"max_data_access_per_minute"`
	MaxRequestsPerMinute   int           `mapstructure:"max_requests_per_minute"`
	OffHoursStart          int           `mapstructure:"off_hours_start"`
	OffHoursEnd            int           `mapstructure:"off_hours_end"`
	Timezone               string        `mapstructure:"timezone"`
	Retention              time.Duration `mapstructure:"retention"`
	MonitoredPathPrefix    string        `mapstructure:"monitored_path_prefix"` // empty = every request
	UserAgentCacheSize     int           `mapstructure:"user_agent_cache_size"`
}

type MFAConfig struct {
	Issuer string `mapstructure:"issuer"`
}

type AuditConfig struct {
	FilePath      string `mapstructure:"file_path"` // empty disables the file sink
	MaxSizeMB     int    `mapstructure:"max_size_mb"`
	MaxBackups    int    `mapstructure:"max_backups"`
	MaxAgeDays    int    `mapstructure:"max_age_days"`
	Compress      bool   `mapstructure:"compress"`
	DBDriver      string `mapstructure:"db_driver"` // "", sqlite | postgres
	DBDSN         string `mapstructure:"db_dsn"`
	MemoryEntries int    `mapstructure:"memory_entries"`

	// Retention bounds rows kept in the SQL store; 0 keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

type MaintenanceConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	ReportInterval  time.Duration `mapstructure:"report_interval"`
}

type TracingConfig struct {
	Endpoint     string  `mapstructure:"endpoint"`
	Protocol     string  `mapstructure:"protocol"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// Load reads configuration from defaults, an optional config file and XP_* environment
// variables (XP_TOKEN_SECRET, XP_RATELIMIT_MAX_ATTEMPTS, ...). configFile may be empty.
func Load(configFile string) (*Config, error) {
	v, err := read(configFile)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

// redactedKeys never leave the process in clear text.
var redactedKeys = []string{"token.secret", "encryption.key", "audit.db_dsn"}

// Effective renders the merged settings as YAML with secrets masked. It does not validate.
func Effective(configFile string) ([]byte, error) {
	v, err := read(configFile)
	if err != nil {
		return nil, err
	}
	for _, key := range redactedKeys {
		if v.GetString(key) != "" {
			v.Set(key, "********")
		}
	}
	out, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

func read(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/xp-security/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("token.secret", "")
	v.SetDefault("token.ttl", time.Hour)
	v.SetDefault("token.allow_dev_issue", false)

	v.SetDefault("encryption.key", "")

	v.SetDefault("ratelimit.strategy", "lockout")
	v.SetDefault("ratelimit.max_attempts", 60)
	v.SetDefault("ratelimit.lockout", 15*time.Minute)

	v.SetDefault("anomaly.max_failed_logins_per_hour", 10)
	v.SetDefault("anomaly.max_data_access_per_minute", 50)
	v.SetDefault("anomaly.max_requests_per_minute", 100)
	v.SetDefault("anomaly.off_hours_start", 6)
	v.SetDefault("anomaly.off_hours_end", 22)
	v.SetDefault("anomaly.timezone", "Local")
	v.SetDefault("anomaly.retention", 30*24*time.Hour)
	v.SetDefault("anomaly.monitored_path_prefix", "")
	v.SetDefault("anomaly.user_agent_cache_size", 1024)

	v.SetDefault("mfa.issuer", "XP")

	v.SetDefault("audit.file_path", "logs/security-audit.log")
	v.SetDefault("audit.max_size_mb", 100)
	v.SetDefault("audit.max_backups", 10)
	v.SetDefault("audit.max_age_days", 30)
	v.SetDefault("audit.compress", true)
	v.SetDefault("audit.db_driver", "")
	v.SetDefault("audit.db_dsn", "")
	v.SetDefault("audit.memory_entries", 500)
	v.SetDefault("audit.retention", 365*24*time.Hour)

	v.SetDefault("maintenance.cleanup_interval", 24*time.Hour)
	v.SetDefault("maintenance.health_interval", time.Hour)
	v.SetDefault("maintenance.report_interval", 7*24*time.Hour)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.protocol", "http")
	v.SetDefault("tracing.sampling_rate", 1.0)
}

// SigningSecret decodes token.secret.
func (c *Config) SigningSecret() ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(c.Token.Secret))
}

// Location resolves anomaly.timezone; "Local" and "" map to the host zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Anomaly.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	return time.LoadLocation(c.Anomaly.Timezone)
}
