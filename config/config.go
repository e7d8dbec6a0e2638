// Package config loads the ranging daemon configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linht/uwb-ranging/ranging"
)

// DefaultPath is used when UWB_CONFIG is not set.
const DefaultPath = "config.yaml"

// Config is the complete daemon configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Server  ServerConfig   `yaml:"server"`
	Auth    AuthConfig     `yaml:"auth"`
	Radio   RadioConfig    `yaml:"radio"`
	Ranging ranging.Config `yaml:"ranging"`
	Plugins []string       `yaml:"plugins"`
}

// LogConfig selects the log level and an optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ServerConfig holds the maintenance API listener settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    string `yaml:"port"`
}

// AuthConfig holds the bcrypt hash of the API password.
type AuthConfig struct {
	PasswordHash string `yaml:"password_hash"`
}

// RadioConfig describes how the radio is wired to the host.
type RadioConfig struct {
	SPIDevice string `yaml:"spi_device"`
	SPISpeed  uint32 `yaml:"spi_speed"`
	GPIOChip  string `yaml:"gpio_chip"`
	CSPin     int    `yaml:"cs_pin"`
	ResetPin  int    `yaml:"reset_pin"`
	// ResetOnStart pulses the reset line before the device id check.
	ResetOnStart bool `yaml:"reset_on_start"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Radio: RadioConfig{
			SPIDevice: "/dev/spidev0.0",
			SPISpeed:  8_000_000,
			GPIOChip:  "gpiochip0",
			CSPin:     8,
			ResetPin:  25,
		},
		Ranging: ranging.DefaultConfig(),
		Plugins: []string{"uwb", "settings"},
	}
}

// Load reads path over the defaults, applies UWB_* environment overrides
// and validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("Config file not found, using defaults", "path", path)
	default:
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates it without applying
// environment overrides.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Path returns the config file location, honouring UWB_CONFIG.
func Path() string {
	if p := os.Getenv("UWB_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// SlogLevel maps the configured level name to a slog level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.Level)
	}
	return l, nil
}

// Validate checks the configuration for values the daemon cannot start with.
func (c Config) Validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Radio.SPIDevice == "" {
		return fmt.Errorf("radio.spi_device must be set")
	}
	if c.Radio.SPISpeed == 0 {
		return fmt.Errorf("radio.spi_speed must be positive")
	}
	if c.Radio.GPIOChip == "" {
		return fmt.Errorf("radio.gpio_chip must be set")
	}
	if c.Radio.CSPin < 0 || c.Radio.ResetPin < 0 {
		return fmt.Errorf("invalid GPIO pins: cs=%d, reset=%d", c.Radio.CSPin, c.Radio.ResetPin)
	}
	if c.Radio.CSPin == c.Radio.ResetPin {
		return fmt.Errorf("cs_pin and reset_pin must differ, both are %d", c.Radio.CSPin)
	}
	if c.Server.Enabled {
		if c.Server.Port == "" {
			return fmt.Errorf("server.port must be set when the server is enabled")
		}
		if c.Auth.PasswordHash == "" {
			return fmt.Errorf("auth.password_hash must be set when the server is enabled")
		}
	}
	if err := c.Ranging.Validate(); err != nil {
		return fmt.Errorf("ranging: %w", err)
	}
	return nil
}

// applyEnvOverrides applies UWB_* variables on top of the file. Values that
// do not parse are ignored.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("UWB_LOG_LEVEL"); val != "" {
		cfg.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("UWB_LOG_FILE"); val != "" {
		cfg.Log.File = val
	}

	if val := os.Getenv("UWB_SERVER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Server.Enabled = b
		}
	}
	if val := os.Getenv("UWB_SERVER_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := os.Getenv("UWB_SERVER_PORT"); val != "" {
		cfg.Server.Port = val
	}

	// Radio wiring
	if val := os.Getenv("UWB_SPI_DEVICE"); val != "" {
		cfg.Radio.SPIDevice = val
	}
	if val := os.Getenv("UWB_SPI_SPEED"); val != "" {
		if hz, err := strconv.ParseUint(val, 10, 32); err == nil {
			cfg.Radio.SPISpeed = uint32(hz)
		}
	}
	if val := os.Getenv("UWB_GPIO_CHIP"); val != "" {
		cfg.Radio.GPIOChip = val
	}
	if val := os.Getenv("UWB_CS_PIN"); val != "" {
		if pin, err := strconv.Atoi(val); err == nil {
			cfg.Radio.CSPin = pin
		}
	}
	if val := os.Getenv("UWB_RESET_PIN"); val != "" {
		if pin, err := strconv.Atoi(val); err == nil {
			cfg.Radio.ResetPin = pin
		}
	}

	// Ranging cycle
	if val := os.Getenv("UWB_RX_GUARD"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Ranging.RxGuard = d
		}
	}
	if val := os.Getenv("UWB_LISTEN_MULTIPLIER"); val != "" {
		if m, err := strconv.Atoi(val); err == nil {
			cfg.Ranging.ListenMultiplier = m
		}
	}
	if val := os.Getenv("UWB_TX_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Ranging.TxTimeout = d
		}
	}
	if val := os.Getenv("UWB_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Ranging.Interval = d
		}
	}
}
