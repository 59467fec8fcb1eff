package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HEDGE_CONFIG_FILE", "nonexistent.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "production", cfg.Creem.Mode)
	assert.Equal(t, 100, cfg.Budget.RequestsPerMinute)
	assert.Equal(t, int64(10000), cfg.Budget.MaxDailyRequests)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Session.RefreshThreshold)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HEDGE_CONFIG_FILE", "nonexistent.yaml")
	t.Setenv("HEDGE_SERVER_PORT", "9090")
	t.Setenv("HEDGE_CREEM_MODE", "sandbox")
	t.Setenv("HEDGE_BUDGET_MAX_DAILY_REQUESTS", "500")
	t.Setenv("HEDGE_SESSION_TTL", "7200s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sandbox", cfg.Creem.Mode)
	assert.Equal(t, int64(500), cfg.Budget.MaxDailyRequests)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
}

func TestLoad_InvalidMode(t *testing.T) {
	t.Setenv("HEDGE_CONFIG_FILE", "nonexistent.yaml")
	t.Setenv("HEDGE_CREEM_MODE", "staging")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid creem mode")
}

func TestLoad_RefreshThresholdAboveTTL(t *testing.T) {
	t.Setenv("HEDGE_CONFIG_FILE", "nonexistent.yaml")
	t.Setenv("HEDGE_SESSION_TTL", "200s")
	t.Setenv("HEDGE_SESSION_REFRESH_THRESHOLD", "300s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh threshold")
}

func TestCreemBaseURL(t *testing.T) {
	sandbox := CreemConfig{Mode: "sandbox"}
	assert.Equal(t, "https://test-api.creem.io", sandbox.BaseURL())

	production := CreemConfig{Mode: "production"}
	assert.Equal(t, "https://api.creem.io", production.BaseURL())
}
