package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables overriding profile config values.
const (
	EnvProfile      = "SIMPLECHAT_PROFILE"
	EnvFetchLimit   = "SIMPLECHAT_FETCH_LIMIT"
	EnvFetchTimeout = "SIMPLECHAT_FETCH_TIMEOUT"
	EnvPollInterval = "SIMPLECHAT_POLL_INTERVAL"
	EnvRetention    = "SIMPLECHAT_CHANGE_RETENTION"
	EnvSendRate     = "SIMPLECHAT_SEND_RATE"
	EnvSendBurst    = "SIMPLECHAT_SEND_BURST"
	EnvLogLevel     = "SIMPLECHAT_LOG_LEVEL"
)

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// EnvString returns the value of an environment variable.
func EnvString(key string) string {
	return os.Getenv(key)
}

func applyEnv(cfg *Config) error {
	if v := EnvString(EnvFetchLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFetchLimit, err)
		}
		cfg.FetchLimit = n
	}
	if v := EnvString(EnvFetchTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFetchTimeout, err)
		}
		cfg.FetchTimeout.Duration = d
	}
	if v := EnvString(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		cfg.PollInterval.Duration = d
	}
	if v := EnvString(EnvRetention); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetention, err)
		}
		cfg.ChangeRetention.Duration = d
	}
	if v := EnvString(EnvSendRate); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSendRate, err)
		}
		cfg.SendRate = f
	}
	if v := EnvString(EnvSendBurst); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSendBurst, err)
		}
		cfg.SendBurst = n
	}
	if v := EnvString(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	return nil
}
