// Package config loads server configuration from layered sources.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// EnvPrefix is stripped from environment variables before they are mapped
// onto config keys. MU_LOG_LEVEL becomes log.level.
const EnvPrefix = "MU"

// Config holds all application configuration.
type Config struct {
	Port           uint   `mapstructure:"port"`
	Env            string `mapstructure:"env"`
	MaxBodySize    int64  `mapstructure:"max_body_size"`
	MaxHeaderSize  int    `mapstructure:"max_header_size"`
	ReadBufferSize int    `mapstructure:"read_buffer_size"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Trace struct {
		Stdout bool `mapstructure:"stdout"`
	} `mapstructure:"trace"`
}

// Defaults are the values every other source overrides.
func Defaults() Map {
	return Map{
		"port":             8080,
		"env":              "development",
		"max_body_size":    8 << 20,
		"max_header_size":  16 << 10,
		"read_buffer_size": 8 << 10,
		"log": map[string]any{
			"level":  "info",
			"format": "console",
		},
		"trace": map[string]any{
			"stdout": false,
		},
	}
}

// RegisterFlags adds the config flags to fs. Only flags the user sets
// override the other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.Uint("port", 8080, "HTTP server port")
	fs.String("env", "development", "environment (development/production)")
	fs.Int64("max-body-size", 8<<20, "maximum request body size in bytes")
	fs.Int("max-header-size", 16<<10, "maximum request head size in bytes")
	fs.Int("read-buffer-size", 8<<10, "socket read buffer size in bytes")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "console", "log format (console, json)")
	fs.Bool("trace-stdout", false, "export traces to stdout")
}

// Load layers defaults, the YAML file named by --config, a .env file,
// MU_* environment variables and explicitly set flags, in that order.
// fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	srcs := []Source{Defaults()}

	path := os.Getenv(EnvPrefix + "_CONFIG")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path != "" {
		srcs = append(srcs, FromYamlFile(path))
	}

	srcs = append(srcs, FromEnv(EnvPrefix))
	if fs != nil {
		srcs = append(srcs, FromFlags(fs))
	}

	m, err := Read(srcs...)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := m.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxBodySize < 0 {
		errs = append(errs, errors.New("max_body_size must not be negative"))
	}
	if c.MaxHeaderSize < 0 {
		errs = append(errs, errors.New("max_header_size must not be negative"))
	}
	if c.ReadBufferSize < 0 {
		errs = append(errs, errors.New("read_buffer_size must not be negative"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
