package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8095, cfg.HTTPPort)
	assert.Equal(t, time.Second, cfg.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, []string{"admin"}, cfg.AdminPersonas)
	assert.Equal(t, "builtin", cfg.OwnershipPolicy)
	assert.False(t, cfg.AgentsFromBackend)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("RECONNECT_BASE_MS", "250")
	t.Setenv("ADMIN_PERSONAS", "admin, root ,")
	t.Setenv("AGENTS_FROM_BACKEND", "true")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()

	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectBase)
	assert.Equal(t, []string{"admin", "root"}, cfg.AdminPersonas)
	assert.True(t, cfg.AgentsFromBackend)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
}
