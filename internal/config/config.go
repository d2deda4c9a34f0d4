// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	wardenerrors "github.com/tombee/warden/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete Warden configuration.
type Config struct {
	// Server configures the backing tool server: where it comes from,
	// how it is built, and where it listens.
	Server ServerConfig `yaml:"server"`

	// Log configures CLI logging.
	Log LogConfig `yaml:"log"`

	// History configures the invocation history store.
	History HistoryConfig `yaml:"history,omitempty"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingConfig `yaml:"tracing,omitempty"`

	// Bridge configures the MCP stdio bridge (warden serve).
	Bridge BridgeConfig `yaml:"bridge,omitempty"`

	// DataDir is the directory for runtime state: checkout, pidfile,
	// server logs, history database, build lock.
	// Environment: WARDEN_DATA_DIR
	// Default: $XDG_DATA_HOME/warden (or ~/.local/share/warden)
	DataDir string `yaml:"data_dir,omitempty"`
}

// ServerConfig configures the backing tool server.
type ServerConfig struct {
	// Source is the git URL or local path the server is provisioned from.
	// Environment: WARDEN_SOURCE
	Source string `yaml:"source,omitempty"`

	// Revision optionally pins the checkout to a commit, tag, or branch.
	// Environment: WARDEN_REVISION
	Revision string `yaml:"revision,omitempty"`

	// CheckoutDir is where the source is cloned.
	// Default: <data_dir>/checkout
	CheckoutDir string `yaml:"checkout_dir,omitempty"`

	// BuildCommand builds the server inside the checkout.
	// Default: "make build"
	BuildCommand string `yaml:"build_command,omitempty"`

	// Binary is the built server binary, relative to the checkout
	// unless absolute.
	// Default: bin/server
	Binary string `yaml:"binary,omitempty"`

	// Args are extra arguments passed to the server binary.
	Args []string `yaml:"args,omitempty"`

	// Env are extra KEY=VALUE entries for the server process.
	Env []string `yaml:"env,omitempty"`

	// Host the server listens on.
	// Environment: WARDEN_HOST
	// Default: localhost
	Host string `yaml:"host,omitempty"`

	// Port the server listens on.
	// Environment: WARDEN_PORT
	// Default: 8000
	Port int `yaml:"port,omitempty"`

	// HealthPath is the HTTP path probed for liveness.
	// Default: /
	HealthPath string `yaml:"health_path,omitempty"`

	// Readiness is an optional boolean expression evaluated against the
	// health probe's JSON body (e.g. `status == "ok"`). Empty means any
	// 2xx answer counts as healthy.
	Readiness string `yaml:"readiness,omitempty"`

	// StartupTimeout bounds one provision-and-start cycle.
	// Environment: WARDEN_STARTUP_TIMEOUT
	// Default: 30s
	StartupTimeout time.Duration `yaml:"startup_timeout,omitempty"`

	// RequestTimeout bounds one forwarded invocation.
	// Environment: WARDEN_REQUEST_TIMEOUT
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// HealthCheckTTL is how long a successful health check stays fresh.
	// Environment: WARDEN_HEALTH_CHECK_TTL
	// Default: 5s
	HealthCheckTTL time.Duration `yaml:"health_check_ttl,omitempty"`

	// BuildLockPath is the flock file serializing builds across processes.
	// Environment: WARDEN_BUILD_LOCK_PATH
	// Default: <data_dir>/build.lock
	BuildLockPath string `yaml:"build_lock_path,omitempty"`

	// APIKey authenticates forwarded requests as a bearer token. A
	// secret://<key> value is resolved through the secrets backends.
	// Environment: WARDEN_API_KEY
	APIKey string `yaml:"api_key,omitempty"`

	// AuthHeader overrides the Authorization header name for APIKey
	// (e.g. X-API-Key). The key is then sent without a Bearer prefix.
	AuthHeader string `yaml:"auth_header,omitempty"`
}

// LogConfig configures CLI logging.
type LogConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is the output format: json or text.
	Format string `yaml:"format,omitempty"`

	// AddSource includes file:line in log records.
	AddSource bool `yaml:"add_source,omitempty"`
}

// HistoryConfig configures the invocation history store.
type HistoryConfig struct {
	// Enabled turns history recording on. Default: true.
	// Stored as a pointer so an absent key means "default", not "off".
	Enabled *bool `yaml:"enabled,omitempty"`

	// Path is the sqlite database file.
	// Default: <data_dir>/history.db
	Path string `yaml:"path,omitempty"`

	// MaxEntries caps retained invocations; older rows are pruned.
	// Default: 1000. Zero or negative disables pruning.
	MaxEntries int `yaml:"max_entries,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Enabled turns tracing on. Default: false.
	Enabled bool `yaml:"enabled,omitempty"`

	// ServiceName reported on spans. Default: warden.
	ServiceName string `yaml:"service_name,omitempty"`

	// Exporter is one of console, otlp, otlp-http.
	// Default: console
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector address (otlp and otlp-http only).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRate is the head sampling ratio in [0, 1]. Default: 1.
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// BridgeConfig configures the MCP stdio bridge.
type BridgeConfig struct {
	// MetricsAddr optionally serves Prometheus metrics (e.g. :9090).
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// RateLimit caps forwarded invocations per second. Zero disables
	// limiting. Default: 0.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// RateBurst is the limiter burst size. Default: 5 when limiting.
	RateBurst int `yaml:"rate_burst,omitempty"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BuildCommand:   "make build",
			Binary:         "bin/server",
			Host:           "localhost",
			Port:           8000,
			HealthPath:     "/",
			StartupTimeout: 30 * time.Second,
			RequestTimeout: 30 * time.Second,
			HealthCheckTTL: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		History: HistoryConfig{
			MaxEntries: 1000,
		},
		Tracing: TracingConfig{
			ServiceName: "warden",
			Exporter:    "console",
			SampleRate:  1.0,
		},
		DataDir: defaultDataDir(),
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables take precedence over file-based configuration.
// If configPath is empty, the default path is used when it exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if path, err := DefaultPath(); err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				configPath = path
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &wardenerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Fill zero values so minimal configs work without every key
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &wardenerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with defaults, so a minimal config
// (e.g. just server.source) works without specifying every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}

	if c.Server.BuildCommand == "" {
		c.Server.BuildCommand = defaults.Server.BuildCommand
	}
	if c.Server.Binary == "" {
		c.Server.Binary = defaults.Server.Binary
	}
	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = defaults.Server.HealthPath
	}
	if c.Server.StartupTimeout == 0 {
		c.Server.StartupTimeout = defaults.Server.StartupTimeout
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = defaults.Server.RequestTimeout
	}
	if c.Server.HealthCheckTTL == 0 {
		c.Server.HealthCheckTTL = defaults.Server.HealthCheckTTL
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = defaults.History.MaxEntries
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = defaults.Tracing.SampleRate
	}

	if c.Bridge.RateLimit > 0 && c.Bridge.RateBurst == 0 {
		c.Bridge.RateBurst = 5
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("WARDEN_DATA_DIR"); val != "" {
		c.DataDir = val
	}

	// Server configuration
	if val := os.Getenv("WARDEN_SOURCE"); val != "" {
		c.Server.Source = val
	}
	if val := os.Getenv("WARDEN_REVISION"); val != "" {
		c.Server.Revision = val
	}
	if val := os.Getenv("WARDEN_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("WARDEN_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Server.Port = port
		}
	}
	if val := os.Getenv("WARDEN_STARTUP_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.StartupTimeout = duration
		}
	}
	if val := os.Getenv("WARDEN_REQUEST_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.RequestTimeout = duration
		}
	}
	if val := os.Getenv("WARDEN_HEALTH_CHECK_TTL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.HealthCheckTTL = duration
		}
	}
	if val := os.Getenv("WARDEN_BUILD_LOCK_PATH"); val != "" {
		c.Server.BuildLockPath = val
	}
	if val := os.Getenv("WARDEN_API_KEY"); val != "" {
		c.Server.APIKey = val
	}

	// Log configuration
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	// Tracing configuration
	if val := os.Getenv("WARDEN_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("WARDEN_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.StartupTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.startup_timeout must be positive, got %v", c.Server.StartupTimeout))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.request_timeout must be positive, got %v", c.Server.RequestTimeout))
	}
	if c.Server.HealthCheckTTL <= 0 {
		errs = append(errs, fmt.Sprintf("server.health_check_ttl must be positive, got %v", c.Server.HealthCheckTTL))
	}
	if c.Server.HealthPath != "" && !strings.HasPrefix(c.Server.HealthPath, "/") {
		errs = append(errs, fmt.Sprintf("server.health_path must start with /, got %q", c.Server.HealthPath))
	}
	for i, entry := range c.Server.Env {
		if !strings.Contains(entry, "=") {
			errs = append(errs, fmt.Sprintf("server.env[%d] must be KEY=VALUE, got %q", i, entry))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Tracing.Enabled {
		validExporters := map[string]bool{"console": true, "otlp": true, "otlp-http": true}
		if !validExporters[c.Tracing.Exporter] {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [console, otlp, otlp-http], got %q", c.Tracing.Exporter))
		}
		if (c.Tracing.Exporter == "otlp" || c.Tracing.Exporter == "otlp-http") && c.Tracing.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("tracing.endpoint is required for the %s exporter", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			errs = append(errs, fmt.Sprintf("tracing.sample_rate must be in [0, 1], got %v", c.Tracing.SampleRate))
		}
	}

	if c.Bridge.RateLimit < 0 {
		errs = append(errs, fmt.Sprintf("bridge.rate_limit must be non-negative, got %v", c.Bridge.RateLimit))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// Endpoint returns the backing server's base URL.
func (s *ServerConfig) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// ResolvedCheckoutDir returns the checkout directory, defaulting under
// the data directory.
func (c *Config) ResolvedCheckoutDir() string {
	if c.Server.CheckoutDir != "" {
		return expandHome(c.Server.CheckoutDir)
	}
	return filepath.Join(c.DataDir, "checkout")
}

// ResolvedBinaryPath returns the absolute path of the built server binary.
// A relative server.binary is resolved against the checkout directory.
func (c *Config) ResolvedBinaryPath() string {
	binary := expandHome(c.Server.Binary)
	if filepath.IsAbs(binary) {
		return binary
	}
	return filepath.Join(c.ResolvedCheckoutDir(), binary)
}

// ResolvedBuildLockPath returns the build lock file path, defaulting
// under the data directory.
func (c *Config) ResolvedBuildLockPath() string {
	if c.Server.BuildLockPath != "" {
		return expandHome(c.Server.BuildLockPath)
	}
	return filepath.Join(c.DataDir, "build.lock")
}

// HistoryPath returns the history database path, defaulting under the
// data directory.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return expandHome(c.History.Path)
	}
	return filepath.Join(c.DataDir, "history.db")
}

// HistoryEnabled reports whether invocation history should be recorded.
func (c *Config) HistoryEnabled() bool {
	if c.History.Enabled == nil {
		return true
	}
	return *c.History.Enabled
}

// ServerLogPath returns where the spawned server's output is appended.
func (c *Config) ServerLogPath() string {
	return filepath.Join(c.DataDir, "logs", "server.log")
}

// EventLogPath returns the lifecycle event log path.
func (c *Config) EventLogPath() string {
	return filepath.Join(c.DataDir, "logs", "lifecycle.log")
}

// PIDFilePath returns where the spawned server's pid is recorded.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.DataDir, "server.pid")
}

// ArtifactLockPath returns the build artifact lockfile path.
func (c *Config) ArtifactLockPath() string {
	return filepath.Join(c.DataDir, "artifact-lock.yaml")
}

// expandHome expands a leading ~/ to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	// Use XDG_DATA_HOME if available
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "warden")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/warden-data"
	}

	return filepath.Join(homeDir, ".local", "share", "warden")
}
