// Package config loads the bleplex configuration file.
//
// The file is YAML; every field is optional:
//
//	log_level: debug
//	backend: sim
//	sim_profile: ./profiles/lab.yaml
//	output_format: json
//	scan:
//	  timeout: 5s
//	  allow_duplicates: true
//	connect:
//	  timeout: 20s
//	  descriptor_read_timeout: 1s
//	  auto_reconnect: true
//	  reconnect_max_delay: 10s
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleplex/internal/device"
	"gopkg.in/yaml.v3"
)

var (
	Backends      = []string{"auto", "goble", "tinygo", "sim"}
	OutputFormats = []string{"table", "json"}
)

// Config holds application configuration.
type Config struct {
	// LogLevel is a logrus level name. Empty leaves the choice to the caller.
	LogLevel     string        `yaml:"log_level,omitempty"`
	Backend      string        `yaml:"backend" default:"auto"`
	SimProfile   string        `yaml:"sim_profile,omitempty"`
	OutputFormat string        `yaml:"output_format" default:"table"`
	Scan         ScanConfig    `yaml:"scan"`
	Connect      ConnectConfig `yaml:"connect"`
}

type ScanConfig struct {
	Timeout         time.Duration `yaml:"timeout" default:"10s"`
	AllowDuplicates bool          `yaml:"allow_duplicates"`
}

type ConnectConfig struct {
	Timeout               time.Duration `yaml:"timeout" default:"30s"`
	DescriptorReadTimeout time.Duration `yaml:"descriptor_read_timeout" default:"2s"`
	AutoReconnect         bool          `yaml:"auto_reconnect"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay" default:"30s"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// DefaultPath is ~/.config/bleplex/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "bleplex", "config.yaml"), nil
}

// Load reads the file at path. An empty path loads DefaultPath, and a missing default
// file yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return DefaultConfig(), nil
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML, fills in defaults and validates.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	defaults.SetDefaults(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	if !lo.Contains(Backends, strings.ToLower(c.Backend)) {
		errs = append(errs, fmt.Errorf("backend: unknown %q (must be one of %v)", c.Backend, Backends))
	}
	if !lo.Contains(OutputFormats, strings.ToLower(c.OutputFormat)) {
		errs = append(errs, fmt.Errorf("output_format: unknown %q (must be one of %v)", c.OutputFormat, OutputFormats))
	}
	for name, d := range map[string]time.Duration{
		"scan.timeout":                    c.Scan.Timeout,
		"connect.timeout":                 c.Connect.Timeout,
		"connect.descriptor_read_timeout": c.Connect.DescriptorReadTimeout,
		"connect.reconnect_max_delay":     c.Connect.ReconnectMaxDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// Level is the configured log level, info when unset.
func (c *Config) Level() logrus.Level {
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil && c.LogLevel != "" {
		return lvl
	}
	return logrus.InfoLevel
}

// NewLogger creates a logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// ScanOptions converts the scan section.
func (c *Config) ScanOptions() *device.ScanOptions {
	return (&device.ScanOptions{
		Duration:        c.Scan.Timeout,
		AllowDuplicates: c.Scan.AllowDuplicates,
	}).Resolve()
}

// ConnectOptions converts the connect section.
func (c *Config) ConnectOptions() *device.ConnectOptions {
	return (&device.ConnectOptions{
		ConnectTimeout:        c.Connect.Timeout,
		DescriptorReadTimeout: c.Connect.DescriptorReadTimeout,
		AutoReconnect:         c.Connect.AutoReconnect,
		ReconnectMaxDelay:     c.Connect.ReconnectMaxDelay,
	}).Resolve()
}
