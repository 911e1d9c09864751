// Package config loads and validates service config from the environment and
// an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CAPTCHA verification modes.
const (
	CaptchaToken    = "token"
	CaptchaHTTP     = "http"
	CaptchaDisabled = "disabled"
)

// Config holds service configuration.
type Config struct {
	Port string `mapstructure:"PORT"`
	// Env is the deployment environment; "production" tightens validation.
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// CORSAllowedOrigins is a comma-separated origin list for the widget.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// RedisURL switches sessions and the signature registry to Redis.
	RedisURL    string `mapstructure:"REDIS_URL"`
	RedisPrefix string `mapstructure:"REDIS_PREFIX"`
	// DatabaseURL enables the Postgres decision audit log.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`
	EvictInterval time.Duration `mapstructure:"EVICT_INTERVAL"`
	LockTTL       time.Duration `mapstructure:"SESSION_LOCK_TTL"`

	RateLimitMax    int           `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`

	CooldownMinSpacing  time.Duration `mapstructure:"COOLDOWN_MIN_SPACING"`
	CooldownBase        time.Duration `mapstructure:"COOLDOWN_BASE"`
	CooldownCapExponent int           `mapstructure:"COOLDOWN_CAP_EXPONENT"`
	CooldownMax         time.Duration `mapstructure:"COOLDOWN_MAX"`

	FingerprintThreshold    float64       `mapstructure:"FINGERPRINT_THRESHOLD"`
	BehaviorThreshold       float64       `mapstructure:"BEHAVIOR_THRESHOLD"`
	SignatureReuseThreshold int           `mapstructure:"SIGNATURE_REUSE_THRESHOLD"`
	SignatureTTL            time.Duration `mapstructure:"SIGNATURE_TTL"`

	HoneypotFields         string `mapstructure:"HONEYPOT_FIELDS"`
	HoneypotRequirePresent bool   `mapstructure:"HONEYPOT_REQUIRE_PRESENT"`

	// ContentRulesFile overrides the built-in content rules (YAML or JSON).
	ContentRulesFile string `mapstructure:"CONTENT_RULES_FILE"`

	CaptchaMode      string        `mapstructure:"CAPTCHA_MODE"`
	CaptchaVerifyURL string        `mapstructure:"CAPTCHA_VERIFY_URL"`
	CaptchaSecret    string        `mapstructure:"CAPTCHA_SECRET"`
	CaptchaMinScore  float64       `mapstructure:"CAPTCHA_MIN_SCORE"`
	CaptchaTimeout   time.Duration `mapstructure:"CAPTCHA_TIMEOUT"`
	CaptchaAction    string        `mapstructure:"CAPTCHA_ACTION"`

	ResponderURL     string        `mapstructure:"RESPONDER_URL"`
	ResponderTimeout time.Duration `mapstructure:"RESPONDER_TIMEOUT"`

	// AdminJWTSecret enables the admin API when set.
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`

	OTLPEndpoint    string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsInterval time.Duration `mapstructure:"METRICS_INTERVAL"`
}

const devCaptchaSecret = "dev-secret-change-in-production"

// Load reads .env (if present), then builds and validates Config from the
// environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore a missing file

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "3000")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_PREFIX", "chatguard:")
	v.SetDefault("DATABASE_URL", "")

	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("EVICT_INTERVAL", "1m")
	v.SetDefault("SESSION_LOCK_TTL", "10s")

	v.SetDefault("RATE_LIMIT_MAX", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", "1h")

	v.SetDefault("COOLDOWN_MIN_SPACING", "5s")
	v.SetDefault("COOLDOWN_BASE", "1s")
	v.SetDefault("COOLDOWN_CAP_EXPONENT", 8)
	v.SetDefault("COOLDOWN_MAX", "10m")

	v.SetDefault("FINGERPRINT_THRESHOLD", 0.7)
	v.SetDefault("BEHAVIOR_THRESHOLD", 0.7)
	v.SetDefault("SIGNATURE_REUSE_THRESHOLD", 20)
	v.SetDefault("SIGNATURE_TTL", "24h")

	v.SetDefault("HONEYPOT_FIELDS", "website")
	v.SetDefault("HONEYPOT_REQUIRE_PRESENT", false)
	v.SetDefault("CONTENT_RULES_FILE", "")

	v.SetDefault("CAPTCHA_MODE", CaptchaToken)
	v.SetDefault("CAPTCHA_VERIFY_URL", "")
	v.SetDefault("CAPTCHA_SECRET", devCaptchaSecret)
	v.SetDefault("CAPTCHA_MIN_SCORE", 0)
	v.SetDefault("CAPTCHA_TIMEOUT", "4s")
	v.SetDefault("CAPTCHA_ACTION", "chat_send")

	v.SetDefault("RESPONDER_URL", "")
	v.SetDefault("RESPONDER_TIMEOUT", "30s")

	v.SetDefault("ADMIN_JWT_SECRET", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("METRICS_INTERVAL", "10s")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New("config: "+msg))
		}
	}

	check(c.Port != "", "PORT must be set")
	check(c.ResponderURL != "", "RESPONDER_URL must be set")
	check(c.SessionTTL > 0, "SESSION_TTL must be positive")
	check(c.RateLimitMax > 0, "RATE_LIMIT_MAX must be positive")
	check(c.RateLimitWindow > 0, "RATE_LIMIT_WINDOW must be positive")
	check(c.CooldownMinSpacing >= 0, "COOLDOWN_MIN_SPACING must not be negative")
	check(c.CooldownBase > 0, "COOLDOWN_BASE must be positive")
	check(c.CooldownCapExponent >= 0 && c.CooldownCapExponent <= 30, "COOLDOWN_CAP_EXPONENT must be between 0 and 30")
	check(c.FingerprintThreshold > 0 && c.FingerprintThreshold <= 1, "FINGERPRINT_THRESHOLD must be in (0,1]")
	check(c.BehaviorThreshold > 0 && c.BehaviorThreshold <= 1, "BEHAVIOR_THRESHOLD must be in (0,1]")
	check(c.CaptchaTimeout > 0, "CAPTCHA_TIMEOUT must be positive")
	check(c.CaptchaMinScore >= 0 && c.CaptchaMinScore <= 1, "CAPTCHA_MIN_SCORE must be in [0,1]")

	switch c.CaptchaMode {
	case CaptchaToken:
		check(c.CaptchaSecret != "", "CAPTCHA_SECRET must be set in token mode")
	case CaptchaHTTP:
		check(c.CaptchaVerifyURL != "", "CAPTCHA_VERIFY_URL must be set in http mode")
	case CaptchaDisabled:
		check(!c.IsProduction(), "CAPTCHA_MODE=disabled is not allowed in production")
	default:
		errs = append(errs, fmt.Errorf("config: unknown CAPTCHA_MODE %q", c.CaptchaMode))
	}
	if c.IsProduction() && c.CaptchaMode == CaptchaToken {
		check(c.CaptchaSecret != devCaptchaSecret, "CAPTCHA_SECRET must be changed in production")
	}
	if c.RedisURL != "" {
		// the session lock is held across the CAPTCHA call
		check(c.LockTTL > c.CaptchaTimeout, "SESSION_LOCK_TTL must exceed CAPTCHA_TIMEOUT")
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return l, nil
}

// HoneypotFieldList returns the trap field names.
func (c *Config) HoneypotFieldList() []string {
	return splitList(c.HoneypotFields)
}

// CORSOrigins returns the allowed widget origins.
func (c *Config) CORSOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
