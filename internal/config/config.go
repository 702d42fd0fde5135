// Package config loads sync engine configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all tunables for the engine. Defaults are safe for a local
// single-user deployment; everything is overridable via environment.
type Config struct {
	// DataDir is where the sqlite database lives.
	DataDir string

	// RemoteURL is the base URL of the remote sync service. Empty means the
	// engine runs purely offline (outbox accumulates until configured).
	RemoteURL string

	// StatusAddr is the listen address for the local status/control API.
	StatusAddr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// PushBatchSize is how many outbox rows are drained per push batch.
	PushBatchSize int

	// MinSyncInterval throttles incremental syncs.
	MinSyncInterval time.Duration

	// MaxRetryAttempts bounds full-sync retries before a terminal error.
	MaxRetryAttempts int

	// RetryBaseDelay and MaxRetryDelay shape the coordinator's backoff.
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration

	// SyncOnReconnect triggers an incremental sync when connectivity returns.
	SyncOnReconnect bool

	// CompletedRetention is how long completed outbox rows are kept before
	// housekeeping deletes them.
	CompletedRetention time.Duration
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DataDir:            getEnv("DRIFTSYNC_DATA_DIR", defaultDataDir()),
		RemoteURL:          os.Getenv("DRIFTSYNC_REMOTE_URL"),
		StatusAddr:         getEnv("DRIFTSYNC_STATUS_ADDR", "localhost:8090"),
		LogLevel:           getEnv("DRIFTSYNC_LOG_LEVEL", "info"),
		PushBatchSize:      50,
		MinSyncInterval:    30 * time.Second,
		MaxRetryAttempts:   5,
		RetryBaseDelay:     2 * time.Second,
		MaxRetryDelay:      5 * time.Minute,
		SyncOnReconnect:    true,
		CompletedRetention: 7 * 24 * time.Hour,
	}

	var err error
	if cfg.PushBatchSize, err = getEnvInt("DRIFTSYNC_PUSH_BATCH_SIZE", cfg.PushBatchSize); err != nil {
		return nil, err
	}
	if cfg.MaxRetryAttempts, err = getEnvInt("DRIFTSYNC_MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts); err != nil {
		return nil, err
	}
	if cfg.MinSyncInterval, err = getEnvDuration("DRIFTSYNC_MIN_SYNC_INTERVAL", cfg.MinSyncInterval); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = getEnvDuration("DRIFTSYNC_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if cfg.MaxRetryDelay, err = getEnvDuration("DRIFTSYNC_MAX_RETRY_DELAY", cfg.MaxRetryDelay); err != nil {
		return nil, err
	}
	if cfg.CompletedRetention, err = getEnvDuration("DRIFTSYNC_COMPLETED_RETENTION", cfg.CompletedRetention); err != nil {
		return nil, err
	}
	if v := os.Getenv("DRIFTSYNC_SYNC_ON_RECONNECT"); v != "" {
		b, parseErr := strconv.ParseBool(v)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid DRIFTSYNC_SYNC_ON_RECONNECT: %q", v)
		}
		cfg.SyncOnReconnect = b
	}

	// Validate
	if cfg.DataDir == "" {
		return nil, errors.New("DRIFTSYNC_DATA_DIR is required")
	}
	if cfg.PushBatchSize <= 0 {
		return nil, errors.New("DRIFTSYNC_PUSH_BATCH_SIZE must be positive")
	}
	if cfg.MaxRetryAttempts <= 0 {
		return nil, errors.New("DRIFTSYNC_MAX_RETRY_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return home + "/.driftsync"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
