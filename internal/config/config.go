package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/macjediwizard/crmcalsync/internal/validator"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Google       GoogleConfig
	CalDAV       CalDAVConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	RateLimiting RateLimitConfig
	Sync         SyncConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// GoogleConfig holds the OAuth client used for calendar consent and refresh.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Enabled reports whether Google accounts can be connected.
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// CalDAVConfig holds the server used for caldav accounts.
type CalDAVConfig struct {
	ServerURL string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey []byte
	SessionSecret string
	CronSecret    string
	// CookieDomain is set when the CRM issues its session on a sibling host.
	CookieDomain string
}

// DatabaseConfig holds database configuration.
// URL is either a postgres:// DSN or a SQLite file path.
type DatabaseConfig struct {
	URL string
}

// IsPostgres reports whether the configured database is PostgreSQL.
func (d DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

// RedisConfig enables the shared sync lock when URL is set.
type RedisConfig struct {
	URL string
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SyncConfig tunes the batch scheduler and per-account sync.
type SyncConfig struct {
	Schedule       string
	Concurrency    int
	CallTimeout    time.Duration
	AccountTimeout time.Duration
	BatchTimeout   time.Duration
	RefreshMargin  time.Duration
	LogRetention   time.Duration
}

// AlertConfig configures reconnect-required and recovery alerts.
type AlertConfig struct {
	WebhookURL   string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       string
	Cooldown     time.Duration
}

// Load reads configuration from the environment, after an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("DATABASE_URL", "./data/crmcalsync.db")
	v.SetDefault("RATE_LIMIT_RPS", "10")
	v.SetDefault("RATE_LIMIT_BURST", "20")
	v.SetDefault("SYNC_SCHEDULE", "*/15 * * * *")
	v.SetDefault("SYNC_CONCURRENCY", "4")
	v.SetDefault("SYNC_CALL_TIMEOUT", "30s")
	v.SetDefault("SYNC_ACCOUNT_TIMEOUT", "5m")
	v.SetDefault("SYNC_BATCH_TIMEOUT", "14m")
	v.SetDefault("TOKEN_REFRESH_MARGIN", "5m")
	v.SetDefault("SYNC_LOG_RETENTION", "720h")
	v.SetDefault("SMTP_PORT", "587")
	v.SetDefault("ALERT_COOLDOWN", "1h")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Server.Port, err = getInt(v, "PORT"); err != nil {
		return nil, err
	}
	cfg.Server.BaseURL = v.GetString("BASE_URL")
	cfg.Server.Environment = Environment(strings.ToLower(v.GetString("ENVIRONMENT")))

	cfg.Google.ClientID = v.GetString("GOOGLE_OAUTH_CLIENT_ID")
	cfg.Google.ClientSecret = v.GetString("GOOGLE_OAUTH_CLIENT_SECRET")
	cfg.Google.RedirectURI = v.GetString("GOOGLE_CALENDAR_REDIRECT_URI")
	if cfg.Google.RedirectURI == "" && cfg.Server.BaseURL != "" {
		cfg.Google.RedirectURI = strings.TrimSuffix(cfg.Server.BaseURL, "/") + "/api/calendar/connect/callback"
	}
	cfg.CalDAV.ServerURL = v.GetString("CALDAV_URL")

	if keyHex := v.GetString("ENCRYPTION_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(key) != 32 {
			return nil, ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = key
	}
	cfg.Security.SessionSecret = v.GetString("SESSION_SECRET")
	if cfg.Security.SessionSecret != "" && len(cfg.Security.SessionSecret) < 32 {
		return nil, ErrSessionSecretSize
	}
	cfg.Security.CronSecret = v.GetString("CRON_SECRET")
	cfg.Security.CookieDomain = v.GetString("SESSION_COOKIE_DOMAIN")

	cfg.Database.URL = v.GetString("DATABASE_URL")
	cfg.Redis.URL = v.GetString("REDIS_URL")

	if cfg.RateLimiting.RPS, err = getFloat(v, "RATE_LIMIT_RPS"); err != nil {
		return nil, err
	}
	if cfg.RateLimiting.Burst, err = getInt(v, "RATE_LIMIT_BURST"); err != nil {
		return nil, err
	}

	cfg.Sync.Schedule = v.GetString("SYNC_SCHEDULE")
	if _, err := cron.ParseStandard(cfg.Sync.Schedule); err != nil {
		return nil, fmt.Errorf("%w: SYNC_SCHEDULE: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.Concurrency, err = getInt(v, "SYNC_CONCURRENCY"); err != nil {
		return nil, err
	}
	if cfg.Sync.Concurrency < 1 {
		return nil, fmt.Errorf("%w: SYNC_CONCURRENCY must be at least 1", ErrInvalidConfig)
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SYNC_CALL_TIMEOUT", &cfg.Sync.CallTimeout},
		{"SYNC_ACCOUNT_TIMEOUT", &cfg.Sync.AccountTimeout},
		{"SYNC_BATCH_TIMEOUT", &cfg.Sync.BatchTimeout},
		{"TOKEN_REFRESH_MARGIN", &cfg.Sync.RefreshMargin},
		{"SYNC_LOG_RETENTION", &cfg.Sync.LogRetention},
		{"ALERT_COOLDOWN", &cfg.Alerts.Cooldown},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(v, d.key); err != nil {
			return nil, err
		}
	}

	cfg.Alerts.WebhookURL = v.GetString("WEBHOOK_URL")
	cfg.Alerts.SMTPHost = v.GetString("SMTP_HOST")
	if cfg.Alerts.SMTPPort, err = getInt(v, "SMTP_PORT"); err != nil {
		return nil, err
	}
	cfg.Alerts.SMTPUsername = v.GetString("SMTP_USERNAME")
	cfg.Alerts.SMTPPassword = v.GetString("SMTP_PASSWORD")
	cfg.Alerts.SMTPFrom = v.GetString("SMTP_FROM")
	cfg.Alerts.SMTPTo = v.GetString("ALERT_EMAIL_TO")

	if missing := cfg.getMissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if len(c.Security.EncryptionKey) == 0 {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.Security.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if c.Security.CronSecret == "" {
		missing = append(missing, "CRON_SECRET")
	}
	if c.Google.ClientID != "" && c.Google.ClientSecret == "" {
		missing = append(missing, "GOOGLE_OAUTH_CLIENT_SECRET")
	}
	if !c.Google.Enabled() && c.CalDAV.ServerURL == "" {
		missing = append(missing, "GOOGLE_OAUTH_CLIENT_ID or CALDAV_URL")
	}

	return missing
}

// Validate checks URL formats and that configured upstreams answer.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}
	if c.Google.Enabled() {
		if err := v.ValidateRedirectURI(c.Google.RedirectURI, c.Server.BaseURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: GOOGLE_CALENDAR_REDIRECT_URI: %w", ErrValidationFailed, err)
		}
		if err := v.ValidateIssuer(ctx, GoogleIssuer); err != nil {
			return fmt.Errorf("%w: google issuer: %w", ErrValidationFailed, err)
		}
	}
	if c.CalDAV.ServerURL != "" {
		dav := v
		if c.IsDevelopment() {
			dav = validator.New(validator.WithAllowPrivateIPs())
		}
		if err := dav.ValidateCalDAVEndpoint(ctx, c.CalDAV.ServerURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
		}
	}
	if c.Alerts.WebhookURL != "" {
		if err := v.ValidateURL(c.Alerts.WebhookURL, true); err != nil {
			return fmt.Errorf("%w: WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// GoogleIssuer is the issuer of Google id_tokens.
const GoogleIssuer = "https://accounts.google.com"

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

func getInt(v *viper.Viper, key string) (int, error) {
	parsed, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: invalid integer: %w", ErrInvalidConfig, key, err)
	}
	return parsed, nil
}

func getFloat(v *viper.Viper, key string) (float64, error) {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v.GetString(key)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: invalid float: %w", ErrInvalidConfig, key, err)
	}
	return parsed, nil
}

func getDuration(v *viper.Viper, key string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
	}
	return parsed, nil
}
