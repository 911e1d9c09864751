package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RESPONDER_URL", "http://assistant.internal/reply")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10, cfg.RateLimitMax)
	assert.Equal(t, time.Hour, cfg.RateLimitWindow)
	assert.Equal(t, 5*time.Second, cfg.CooldownMinSpacing)
	assert.Equal(t, 0.7, cfg.FingerprintThreshold)
	assert.Equal(t, 0.7, cfg.BehaviorThreshold)
	assert.Equal(t, 4*time.Second, cfg.CaptchaTimeout)
	assert.Equal(t, CaptchaToken, cfg.CaptchaMode)
	assert.Equal(t, []string{"website"}, cfg.HoneypotFieldList())
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins())

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_EnvVarOverride(t *testing.T) {
	t.Setenv("RESPONDER_URL", "http://assistant.internal/reply")
	t.Setenv("RATE_LIMIT_MAX", "25")
	t.Setenv("COOLDOWN_MIN_SPACING", "2s")
	t.Setenv("FINGERPRINT_THRESHOLD", "0.85")
	t.Setenv("HONEYPOT_FIELDS", "website, fax ,")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.RateLimitMax)
	assert.Equal(t, 2*time.Second, cfg.CooldownMinSpacing)
	assert.Equal(t, 0.85, cfg.FingerprintThreshold)
	assert.Equal(t, []string{"website", "fax"}, cfg.HoneypotFieldList())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"no responder", map[string]string{}, "RESPONDER_URL"},
		{"threshold range", map[string]string{"BEHAVIOR_THRESHOLD": "1.5"}, "BEHAVIOR_THRESHOLD"},
		{"unknown captcha mode", map[string]string{"CAPTCHA_MODE": "magic"}, "CAPTCHA_MODE"},
		{"http without url", map[string]string{"CAPTCHA_MODE": "http"}, "CAPTCHA_VERIFY_URL"},
		{"disabled in production", map[string]string{"CAPTCHA_MODE": "disabled", "APP_ENV": "production"}, "not allowed in production"},
		{"dev secret in production", map[string]string{"APP_ENV": "production"}, "must be changed"},
		{"lock shorter than captcha", map[string]string{"REDIS_URL": "redis://localhost:6379", "SESSION_LOCK_TTL": "2s"}, "SESSION_LOCK_TTL"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responder := "http://assistant.internal/reply"
			if tt.name == "no responder" {
				responder = ""
			}
			t.Setenv("RESPONDER_URL", responder)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
