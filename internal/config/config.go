package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults.
const (
	DefaultFetchLimit   = 50
	DefaultFetchTimeout = 10 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
	DefaultRetention    = 24 * time.Hour
	DefaultSendRate     = 5.0
	DefaultSendBurst    = 10
	DefaultLogLevel     = "info"
)

// Global represents the base-directory config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Config represents a profile's config.toml.
type Config struct {
	// User is the id of the user signed in on this profile.
	User         string   `toml:"user,omitempty"`
	FetchLimit   int      `toml:"fetch_limit,omitempty"`
	FetchTimeout Duration `toml:"fetch_timeout,omitempty"`
	PollInterval Duration `toml:"poll_interval,omitempty"`
	SendRate     float64  `toml:"send_rate,omitempty"`
	SendBurst    int      `toml:"send_burst,omitempty"`
	LogLevel     string   `toml:"log_level,omitempty"`

	// ChangeRetention is how long delivered change-log rows are kept.
	ChangeRetention Duration `toml:"change_retention,omitempty"`
}

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns a profile config with every default applied.
func Defaults() *Config {
	cfg := &Config{}
	cfg.fill()
	return cfg
}

// fill replaces unset or invalid values with defaults.
func (c *Config) fill() {
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.FetchTimeout.Duration <= 0 {
		c.FetchTimeout.Duration = DefaultFetchTimeout
	}
	if c.PollInterval.Duration <= 0 {
		c.PollInterval.Duration = DefaultPollInterval
	}
	if c.ChangeRetention.Duration <= 0 {
		c.ChangeRetention.Duration = DefaultRetention
	}
	if c.SendRate <= 0 {
		c.SendRate = DefaultSendRate
	}
	if c.SendBurst <= 0 {
		c.SendBurst = DefaultSendBurst
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// LoadGlobal reads the global config. Returns error if file missing.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveGlobal writes the global config.
func SaveGlobal(path string, cfg *Global) error {
	return save(path, cfg)
}

// Load reads a profile config, applies environment overrides and fills
// defaults. A missing file yields the defaults. The result is not meant to be
// saved back; use SaveUser to persist the signed-in user.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fill()
	return cfg, nil
}

// readFile decodes the profile config as written, without overrides or defaults.
func readFile(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &cfg, nil
}

// SaveUser rewrites the user key of the profile config at path, leaving the
// other values as they are in the file.
func SaveUser(path, userID string) error {
	cfg, err := readFile(path)
	if err != nil {
		return err
	}
	cfg.User = userID
	return save(path, cfg)
}

// Save writes a profile config.
func Save(path string, cfg *Config) error {
	return save(path, cfg)
}

// save writes config to the given path, creating parent dirs as needed.
func save(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
