package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("FANOUT_WORKERS", "")
	t.Setenv("APP_SECRET", "")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg := Load()
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 4, cfg.FanoutWorkers)
	assert.Equal(t, "development-secret", cfg.AppSecret)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 60*time.Second, cfg.PongWait)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("FANOUT_WORKERS", "0")
	t.Setenv("WS_PONG_WAIT", "15s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8")

	cfg := Load()
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 0, cfg.FanoutWorkers)
	assert.Equal(t, 15*time.Second, cfg.PongWait)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.RateLimitWhitelist)
}

func TestProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("REDIS_URL", "redis://x")
	t.Setenv("APP_SECRET", "")

	assert.PanicsWithValue(t, "APP_SECRET is required in production", func() { Load() })
}

func TestLoggerLevelDefault(t *testing.T) {
	cfg := &Config{Env: "production"}
	logger := cfg.Logger()
	assert.Equal(t, zerolog.TraceLevel, logger.GetLevel())
}
