package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blestate/internal/ble"
	"github.com/chaz8081/blestate/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	Status   StatusConfig  `yaml:"status"`
}

// ScanConfig holds scanning settings.
type ScanConfig struct {
	Filter    []string      `yaml:"filter"`     // service UUIDs, short or full form
	CleanMode string        `yaml:"clean_mode"` // "only_provided_filter", "retain_all" or "remove_all"
	Duration  time.Duration `yaml:"duration"`   // 0 scans until stopped
}

// ConnectConfig holds settings for the device to connect to once found.
type ConnectConfig struct {
	Device       string `yaml:"device"`    // identifier; empty disables auto-connect
	Reconnect    string `yaml:"reconnect"` // "always" or "never"
	MTU          int    `yaml:"mtu"`
	ReconnectMax int    `yaml:"reconnect_max"` // max backoff in seconds
}

// StatusConfig holds the HTTP status API settings.
type StatusConfig struct {
	Listen string `yaml:"listen"` // empty disables the API
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blestate")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Scan: ScanConfig{
			CleanMode: "only_provided_filter",
		},
		Connect: ConnectConfig{
			Reconnect:    "always",
			MTU:          247,
			ReconnectMax: 30,
		},
		Status: StatusConfig{
			Listen: "127.0.0.1:9191",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

const defaultHeader = "# blestate configuration\n# See scan, connect and status sections for the available settings.\n\n"

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" without error if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if _, err := c.ScanFilter(); err != nil {
		return fmt.Errorf("scan.filter: %w", err)
	}

	if _, err := ble.ParseCleanMode(c.Scan.CleanMode); err != nil {
		return fmt.Errorf("scan.clean_mode must be only_provided_filter, retain_all, or remove_all, got %q", c.Scan.CleanMode)
	}

	if c.Scan.Duration < 0 {
		return fmt.Errorf("scan.duration must be >= 0, got %s", c.Scan.Duration)
	}

	if _, err := ble.ParseReconnectionSettings(c.Connect.Reconnect); err != nil {
		return fmt.Errorf("connect.reconnect must be \"always\" or \"never\", got %q", c.Connect.Reconnect)
	}

	if c.Connect.MTU != 0 && (c.Connect.MTU < protocol.MinMTU || c.Connect.MTU > 517) {
		return fmt.Errorf("connect.mtu must be 0 or between %d and 517, got %d", protocol.MinMTU, c.Connect.MTU)
	}

	if c.Connect.ReconnectMax < 1 {
		return fmt.Errorf("connect.reconnect_max must be >= 1, got %d", c.Connect.ReconnectMax)
	}

	return nil
}

// ScanFilter parses scan.filter into a ble.Filter.
func (c *Config) ScanFilter() (ble.Filter, error) {
	return ble.NewFilter(c.Scan.Filter...)
}

// CleanMode returns the parsed scan.clean_mode.
func (c *Config) CleanMode() ble.CleanMode {
	m, _ := ble.ParseCleanMode(c.Scan.CleanMode)
	return m
}

// Reconnection returns the parsed connect.reconnect.
func (c *Config) Reconnection() ble.ReconnectionSettings {
	r, _ := ble.ParseReconnectionSettings(c.Connect.Reconnect)
	return r
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
