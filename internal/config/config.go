// Package config provides configuration management for the Kiro proxy
// server. It loads a YAML configuration file, applies environment variable
// overrides for every documented setting, and fills in defaults so the rest
// of the program never has to guess.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file
// with environment variable overrides applied on top.
type Config struct {
	// Host is the address the API server binds to.
	Host string `yaml:"host"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// RequiredAPIKey is the shared secret clients must present. Startup
	// fails when it is empty.
	RequiredAPIKey string `yaml:"required-api-key"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// ProxyURL is an optional outbound proxy (http, https or socks5).
	ProxyURL string `yaml:"proxy-url"`

	// AuthDir is the directory where per-account credential files live.
	AuthDir string `yaml:"auth-dir"`

	// RequestMaxRetries bounds connection-reset retries in the upstream client.
	RequestMaxRetries int `yaml:"request-max-retries"`

	// RequestBaseDelay is the base for exponential backoff on 429/5xx.
	RequestBaseDelay time.Duration `yaml:"request-base-delay"`

	// CronRefreshToken is the cron spec for the heartbeat token refresh.
	CronRefreshToken string `yaml:"cron-refresh-token"`

	// CronNearMinutes forces refresh when expiry is within this window.
	CronNearMinutes int `yaml:"cron-near-minutes"`

	// MaxErrorCount is the consecutive-error threshold that marks an
	// account unhealthy.
	MaxErrorCount int `yaml:"max-error-count"`

	// EnableThinkingByDefault turns thinking mode on for requests that do
	// not specify it.
	EnableThinkingByDefault bool `yaml:"enable-thinking-by-default"`

	// UseSQLitePool selects the SQLite store backend instead of the JSON file.
	UseSQLitePool bool `yaml:"use-sqlite-pool"`

	// SQLiteDBPath is the SQLite database file path.
	SQLiteDBPath string `yaml:"sqlite-db-path"`

	// AccountPoolFilePath is the JSON backend's pool file.
	AccountPoolFilePath string `yaml:"account-pool-file-path"`

	// HealthCheckConcurrency bounds concurrent pool health checks.
	HealthCheckConcurrency int `yaml:"health-check-concurrency"`

	// UsageQueryConcurrency bounds concurrent usage-limit queries.
	UsageQueryConcurrency int `yaml:"usage-query-concurrency"`

	// SystemPromptFilePath points at an optional system prompt override file.
	SystemPromptFilePath string `yaml:"system-prompt-file-path"`

	// SystemPromptMode is either "overwrite" or "append".
	SystemPromptMode string `yaml:"system-prompt-mode"`

	// PromptLogMode is one of "none", "console" or "file".
	PromptLogMode string `yaml:"prompt-log-mode"`

	// PromptLogBaseName is the base file name for file prompt logging.
	PromptLogBaseName string `yaml:"prompt-log-base-name"`
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies environment variable overrides and
// defaults, and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	var config Config
	data, err := os.ReadFile(configFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file is fine; everything can come from the environment.
	} else if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks settings that make the server unrunnable.
func (c *Config) Validate() error {
	if c.RequiredAPIKey == "" {
		return fmt.Errorf("required-api-key is not set (REQUIRED_API_KEY)")
	}
	switch c.SystemPromptMode {
	case "overwrite", "append":
	default:
		return fmt.Errorf("system-prompt-mode must be overwrite or append, got %q", c.SystemPromptMode)
	}
	switch c.PromptLogMode {
	case "none", "console", "file":
	default:
		return fmt.Errorf("prompt-log-mode must be none, console or file, got %q", c.PromptLogMode)
	}
	return nil
}

func (c *Config) applyEnv() {
	envString(&c.Host, "HOST")
	envInt(&c.Port, "SERVER_PORT")
	envString(&c.RequiredAPIKey, "REQUIRED_API_KEY")
	envBool(&c.Debug, "DEBUG")
	envString(&c.ProxyURL, "PROXY_URL")
	envString(&c.AuthDir, "AUTH_DIR")
	envInt(&c.RequestMaxRetries, "REQUEST_MAX_RETRIES")
	envDuration(&c.RequestBaseDelay, "REQUEST_BASE_DELAY")
	envString(&c.CronRefreshToken, "CRON_REFRESH_TOKEN")
	envInt(&c.CronNearMinutes, "CRON_NEAR_MINUTES")
	envInt(&c.MaxErrorCount, "MAX_ERROR_COUNT")
	envBool(&c.EnableThinkingByDefault, "ENABLE_THINKING_BY_DEFAULT")
	envBool(&c.UseSQLitePool, "USE_SQLITE_POOL")
	envString(&c.SQLiteDBPath, "SQLITE_DB_PATH")
	envString(&c.AccountPoolFilePath, "ACCOUNT_POOL_FILE_PATH")
	envInt(&c.HealthCheckConcurrency, "HEALTH_CHECK_CONCURRENCY")
	envInt(&c.UsageQueryConcurrency, "USAGE_QUERY_CONCURRENCY")
	envString(&c.SystemPromptFilePath, "SYSTEM_PROMPT_FILE_PATH")
	envString(&c.SystemPromptMode, "SYSTEM_PROMPT_MODE")
	envString(&c.PromptLogMode, "PROMPT_LOG_MODE")
	envString(&c.PromptLogBaseName, "PROMPT_LOG_BASE_NAME")
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.AuthDir == "" {
		c.AuthDir = filepath.Join("configs", "kiro")
	}
	if c.RequestMaxRetries == 0 {
		c.RequestMaxRetries = 8
	}
	if c.RequestBaseDelay == 0 {
		c.RequestBaseDelay = 3 * time.Second
	}
	if c.CronRefreshToken == "" {
		c.CronRefreshToken = "*/10 * * * *"
	}
	if c.CronNearMinutes == 0 {
		c.CronNearMinutes = 10
	}
	if c.MaxErrorCount == 0 {
		c.MaxErrorCount = 3
	}
	if c.SQLiteDBPath == "" {
		c.SQLiteDBPath = filepath.Join("data", "kiroproxy.db")
	}
	if c.AccountPoolFilePath == "" {
		c.AccountPoolFilePath = filepath.Join("configs", "account_pool.json")
	}
	if c.HealthCheckConcurrency == 0 {
		c.HealthCheckConcurrency = 5
	}
	if c.UsageQueryConcurrency == 0 {
		c.UsageQueryConcurrency = 10
	}
	if c.SystemPromptMode == "" {
		c.SystemPromptMode = "overwrite"
	}
	if c.PromptLogMode == "" {
		c.PromptLogMode = "none"
	}
	if c.PromptLogBaseName == "" {
		c.PromptLogBaseName = "prompt"
	}
	if strings.HasPrefix(c.AuthDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			c.AuthDir = filepath.Join(home, strings.TrimPrefix(c.AuthDir, "~"))
		}
	}
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		// Bare numbers are seconds, matching the original configuration.
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
