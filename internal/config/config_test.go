package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MESSAGE_WINDOW", "")
	t.Setenv("INBOX_CACHE_TTL", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MessageWindow)
	assert.Equal(t, 500, cfg.BatchLimit)
	assert.Equal(t, 7*24*time.Hour, cfg.InboxCacheTTL)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("MESSAGE_WINDOW", "20")
	t.Setenv("SEND_RATE_WINDOW", "90s")
	t.Setenv("BATCH_LIMIT", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.MessageWindow)
	assert.Equal(t, 90*time.Second, cfg.SendRateWindow)
	assert.Equal(t, 500, cfg.BatchLimit)
}
