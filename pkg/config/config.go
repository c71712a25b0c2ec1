// Package config loads runs-local configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	// GitHub auth: either a personal access token or a GitHub App.
	GitHubToken         string
	GitHubAppID         string
	GitHubAppPrivateKey string
	GitHubBaseURL       string

	// VaultDir is where the encrypted credential files live.
	VaultDir string

	// RunnerDir is the installation directory of the runner worker binary
	// (the directory containing config.sh and run.sh).
	RunnerDir string

	// ValkeyAddr enables registry persistence when set (host:port).
	ValkeyAddr string

	// MetricsAddr serves Prometheus metrics when set (host:port).
	MetricsAddr string

	// StatsdAddr enables dogstatsd metrics when set (host:port).
	StatsdAddr string

	// OTLPEndpoint enables trace export when set (host:port).
	OTLPEndpoint string

	// Health thresholds in bytes. Soft breaches degrade, hard breaches are
	// unhealthy.
	DiskSoftThreshold int64
	DiskHardThreshold int64
	MemSoftThreshold  int64
	MemHardThreshold  int64

	LogLevel string
}

func Load() (*Config, error) {
	home, _ := os.UserHomeDir()

	cfg := &Config{
		GitHubToken:         getEnv("RUNS_LOCAL_GITHUB_TOKEN", ""),
		GitHubAppID:         getEnv("RUNS_LOCAL_GITHUB_APP_ID", ""),
		GitHubAppPrivateKey: getEnv("RUNS_LOCAL_GITHUB_APP_PRIVATE_KEY", ""),
		GitHubBaseURL:       getEnv("RUNS_LOCAL_GITHUB_BASE_URL", ""),
		VaultDir:            getEnv("RUNS_LOCAL_VAULT_DIR", filepath.Join(home, ".runs-local", "vault")),
		RunnerDir:           getEnv("RUNS_LOCAL_RUNNER_DIR", ""),
		ValkeyAddr:          getEnv("RUNS_LOCAL_VALKEY_ADDR", ""),
		MetricsAddr:         getEnv("RUNS_LOCAL_METRICS_ADDR", ""),
		StatsdAddr:          getEnv("RUNS_LOCAL_STATSD_ADDR", ""),
		OTLPEndpoint:        getEnv("RUNS_LOCAL_OTLP_ENDPOINT", ""),
		DiskSoftThreshold:   getEnvInt64("RUNS_LOCAL_DISK_SOFT_BYTES", 2*1024*1024*1024),
		DiskHardThreshold:   getEnvInt64("RUNS_LOCAL_DISK_HARD_BYTES", 500*1024*1024),
		MemSoftThreshold:    getEnvInt64("RUNS_LOCAL_MEM_SOFT_BYTES", 500*1024*1024),
		MemHardThreshold:    getEnvInt64("RUNS_LOCAL_MEM_HARD_BYTES", 100*1024*1024),
		LogLevel:            getEnv("RUNS_LOCAL_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.VaultDir == "" {
		return fmt.Errorf("RUNS_LOCAL_VAULT_DIR is required")
	}
	if c.GitHubAppID != "" && c.GitHubAppPrivateKey == "" {
		return fmt.Errorf("RUNS_LOCAL_GITHUB_APP_PRIVATE_KEY is required with RUNS_LOCAL_GITHUB_APP_ID")
	}
	if c.DiskHardThreshold > c.DiskSoftThreshold {
		return fmt.Errorf("disk hard threshold must not exceed the soft threshold")
	}
	if c.MemHardThreshold > c.MemSoftThreshold {
		return fmt.Errorf("memory hard threshold must not exceed the soft threshold")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		var result int64
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
