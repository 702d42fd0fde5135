package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 50, cfg.PushBatchSize)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.MinSyncInterval)
	assert.True(t, cfg.SyncOnReconnect)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DRIFTSYNC_PUSH_BATCH_SIZE", "10")
	t.Setenv("DRIFTSYNC_MIN_SYNC_INTERVAL", "5s")
	t.Setenv("DRIFTSYNC_SYNC_ON_RECONNECT", "false")
	t.Setenv("DRIFTSYNC_REMOTE_URL", "https://sync.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.PushBatchSize)
	assert.Equal(t, 5*time.Second, cfg.MinSyncInterval)
	assert.False(t, cfg.SyncOnReconnect)
	assert.Equal(t, "https://sync.example.com", cfg.RemoteURL)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("DRIFTSYNC_PUSH_BATCH_SIZE", "lots")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("DRIFTSYNC_PUSH_BATCH_SIZE", "0")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("DRIFTSYNC_PUSH_BATCH_SIZE", "50")
	t.Setenv("DRIFTSYNC_RETRY_BASE_DELAY", "soon")
	_, err = LoadConfig()
	require.Error(t, err)
}
