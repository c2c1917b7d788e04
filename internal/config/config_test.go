package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "required-api-key: secret\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 8, cfg.RequestMaxRetries)
	assert.Equal(t, 3*time.Second, cfg.RequestBaseDelay)
	assert.Equal(t, "*/10 * * * *", cfg.CronRefreshToken)
	assert.Equal(t, 10, cfg.CronNearMinutes)
	assert.Equal(t, 3, cfg.MaxErrorCount)
	assert.Equal(t, "overwrite", cfg.SystemPromptMode)
	assert.Equal(t, "none", cfg.PromptLogMode)
	assert.Equal(t, 5, cfg.HealthCheckConcurrency)
	assert.Equal(t, 10, cfg.UsageQueryConcurrency)
	assert.False(t, cfg.UseSQLitePool)
}

func TestLoadConfigFileValues(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
required-api-key: secret
port: 9001
debug: true
use-sqlite-pool: true
sqlite-db-path: /tmp/pool.db
system-prompt-mode: append
prompt-log-mode: console
`))
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.UseSQLitePool)
	assert.Equal(t, "/tmp/pool.db", cfg.SQLiteDBPath)
	assert.Equal(t, "append", cfg.SystemPromptMode)
	assert.Equal(t, "console", cfg.PromptLogMode)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REQUIRED_API_KEY", "from-env")
	t.Setenv("SERVER_PORT", "7777")
	t.Setenv("REQUEST_BASE_DELAY", "5")
	t.Setenv("MAX_ERROR_COUNT", "9")

	cfg, err := LoadConfig(writeConfig(t, "required-api-key: ignored\nport: 1234\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.RequiredAPIKey)
	assert.Equal(t, 7777, cfg.Port)
	// Bare numbers in duration env vars are seconds.
	assert.Equal(t, 5*time.Second, cfg.RequestBaseDelay)
	assert.Equal(t, 9, cfg.MaxErrorCount)
}

func TestLoadConfigMissingFileUsesEnv(t *testing.T) {
	t.Setenv("REQUIRED_API_KEY", "env-only")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-only", cfg.RequiredAPIKey)
}

func TestLoadConfigValidation(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "port: 8080\n"))
	assert.ErrorContains(t, err, "required-api-key")

	_, err = LoadConfig(writeConfig(t, "required-api-key: k\nsystem-prompt-mode: replace\n"))
	assert.ErrorContains(t, err, "system-prompt-mode")

	_, err = LoadConfig(writeConfig(t, "required-api-key: k\nprompt-log-mode: syslog\n"))
	assert.ErrorContains(t, err, "prompt-log-mode")
}
