// Package config loads the server configuration.
//
// Configuration sources, in order of precedence:
//  1. Command-line flags (applied by the start command)
//  2. Environment variables (SIROCCO_*)
//  3. Configuration file (YAML)
//  4. Defaults
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/marmos91/sirocco/internal/bytesize"
)

// Config is the full server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Socks5 configures the SOCKS5 side of the proxy
	Socks5 Socks5Config `mapstructure:"socks5" yaml:"socks5"`

	// Sandstorm configures the management protocol side
	Sandstorm SandstormConfig `mapstructure:"sandstorm" yaml:"sandstorm"`

	// Users configures the user store persistence
	Users UsersConfig `mapstructure:"users" yaml:"users"`

	// Metrics configures the optional Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Events configures the event sinks
	Events EventsConfig `mapstructure:"events" yaml:"events"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// Socks5Config controls the proxy listeners and session behavior.
type Socks5Config struct {
	// Listen is the set of addresses to bind SOCKS5 listeners on.
	Listen []string `mapstructure:"listen" yaml:"listen"`

	// NoAuth enables the no-authentication method.
	NoAuth bool `mapstructure:"no_auth" yaml:"no_auth"`

	// Userpass enables username/password authentication.
	Userpass bool `mapstructure:"userpass" yaml:"userpass"`

	// BufferSize is the per-direction splice buffer size.
	BufferSize bytesize.ByteSize `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// SandstormConfig controls the management listeners.
type SandstormConfig struct {
	Listen []string `mapstructure:"listen" yaml:"listen"`
}

// UsersConfig controls user store persistence.
type UsersConfig struct {
	// File is loaded at startup and written back on graceful shutdown.
	File string `mapstructure:"file" validate:"required" yaml:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true" yaml:"address"`
}

// EventsConfig controls the event sinks.
type EventsConfig struct {
	// Log renders events through the process logger.
	Log bool `mapstructure:"log" yaml:"log"`

	// File appends events in the binary wire format to this path.
	File string `mapstructure:"file" yaml:"file"`
}

// Defaults per the protocol: both wildcard families on 1080 (SOCKS5) and
// 2222 (management).
const (
	DefaultSocks5Port    = 1080
	DefaultSandstormPort = 2222
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Socks5: Socks5Config{
			Listen:     []string{"[::]:1080", "0.0.0.0:1080"},
			NoAuth:     true,
			Userpass:   true,
			BufferSize: 8192,
		},
		Sandstorm: SandstormConfig{
			Listen: []string{"[::]:2222", "0.0.0.0:2222"},
		},
		Users: UsersConfig{
			File: "users.txt",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
		Events: EventsConfig{
			Log: true,
		},
	}
}

// Load reads the configuration from the given file path (optional),
// environment and defaults, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)
	v.SetDefault("socks5.listen", def.Socks5.Listen)
	v.SetDefault("socks5.no_auth", def.Socks5.NoAuth)
	v.SetDefault("socks5.userpass", def.Socks5.Userpass)
	v.SetDefault("socks5.buffer_size", "8192")
	v.SetDefault("sandstorm.listen", def.Sandstorm.Listen)
	v.SetDefault("users.file", def.Users.File)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.address", def.Metrics.Address)
	v.SetDefault("events.log", def.Events.Log)
	v.SetDefault("events.file", def.Events.File)

	v.SetEnvPrefix("SIROCCO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			// Missing file falls back to defaults and environment.
		}
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		),
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Socks5.BufferSize == 0 {
		return fmt.Errorf("invalid configuration: buffer size must be greater than zero")
	}
	return nil
}
