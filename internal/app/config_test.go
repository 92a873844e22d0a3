package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TOKEN_SIGNING_SECRET", "test-secret")
	t.Setenv("EMAIL_SEALING_KEY", strings.Repeat("ab", 32))
	t.Setenv("DISCORD_BOT_TOKEN", "test-bot-token")
	t.Setenv("ADMIN_API_TOKEN", "test-api-token")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Contains(t, cfg.EmailDomains, "@lancs.ac.uk")
	assert.Equal(t, 32, len(cfg.SealingKey()))
}

func TestLoadConfigRejectsBadSealingKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EMAIL_SEALING_KEY", "deadbeef")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealing key")
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOKEN_SIGNING_SECRET", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}
