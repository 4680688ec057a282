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

// Package config loads relaymesh configuration from a YAML file and
// environment variables. Environment variables take precedence over
// file values; anything unset falls back to defaults.
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

	relayerrors "github.com/tombee/relaymesh/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the complete relaymesh configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Execution ExecutionConfig `yaml:"execution"`

	// Providers maps provider names to their OAuth endpoint configuration.
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// BreakerConfig configures the shared circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within FailureWindow
	// that opens a circuit.
	// Environment: RELAYMESH_BREAKER_FAILURE_THRESHOLD
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// FailureWindow is the sliding window over which failures count.
	// Environment: RELAYMESH_BREAKER_FAILURE_WINDOW
	// Default: 60s
	FailureWindow time.Duration `yaml:"failure_window"`

	// ResetTimeout is how long an open circuit waits before allowing a
	// trial call.
	// Environment: RELAYMESH_BREAKER_RESET_TIMEOUT
	// Default: 30s
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// SuccessThreshold is the number of consecutive trial successes that
	// close a half-open circuit.
	// Environment: RELAYMESH_BREAKER_SUCCESS_THRESHOLD
	// Default: 2
	SuccessThreshold int `yaml:"success_threshold"`
}

// ExecutionConfig configures outbound call behavior.
type ExecutionConfig struct {
	// Timeout bounds each outbound call end to end.
	// Environment: RELAYMESH_EXECUTION_TIMEOUT
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// RefreshMargin is how far before expiry a credential is refreshed.
	// Environment: RELAYMESH_REFRESH_MARGIN
	// Default: 5m
	RefreshMargin time.Duration `yaml:"refresh_margin"`
}

// ProviderConfig holds one OAuth provider's client and endpoint settings.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret,omitempty"`

	AuthURL  string `yaml:"auth_url"`
	TokenURL string `yaml:"token_url"`

	// Optional endpoints. Validation and revocation degrade gracefully
	// when these are absent.
	IntrospectionURL string `yaml:"introspection_url,omitempty"`
	RevocationURL    string `yaml:"revocation_url,omitempty"`
	UserInfoURL      string `yaml:"userinfo_url,omitempty"`

	Scopes      []string `yaml:"scopes,omitempty"`
	RedirectURL string   `yaml:"redirect_url,omitempty"`

	// UsePKCE enables the code challenge flow.
	UsePKCE bool `yaml:"use_pkce"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    60 * time.Second,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
		},
		Execution: ExecutionConfig{
			Timeout:       30 * time.Second,
			RefreshMargin: 5 * time.Minute,
		},
	}
}

// Load loads configuration from environment variables and optionally from
// a YAML file. Environment variables take precedence over file values.
// If configPath is empty, only environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &relayerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Minimal config files leave zero values behind.
	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &relayerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = defaults.Breaker.FailureThreshold
	}
	if c.Breaker.FailureWindow == 0 {
		c.Breaker.FailureWindow = defaults.Breaker.FailureWindow
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = defaults.Breaker.ResetTimeout
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = defaults.Breaker.SuccessThreshold
	}

	if c.Execution.Timeout == 0 {
		c.Execution.Timeout = defaults.Execution.Timeout
	}
	if c.Execution.RefreshMargin == 0 {
		c.Execution.RefreshMargin = defaults.Execution.RefreshMargin
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
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
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("RELAYMESH_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if threshold, err := strconv.Atoi(val); err == nil {
			c.Breaker.FailureThreshold = threshold
		}
	}
	if val := os.Getenv("RELAYMESH_BREAKER_FAILURE_WINDOW"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Breaker.FailureWindow = duration
		}
	}
	if val := os.Getenv("RELAYMESH_BREAKER_RESET_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Breaker.ResetTimeout = duration
		}
	}
	if val := os.Getenv("RELAYMESH_BREAKER_SUCCESS_THRESHOLD"); val != "" {
		if threshold, err := strconv.Atoi(val); err == nil {
			c.Breaker.SuccessThreshold = threshold
		}
	}

	if val := os.Getenv("RELAYMESH_EXECUTION_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Execution.Timeout = duration
		}
	}
	if val := os.Getenv("RELAYMESH_REFRESH_MARGIN"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Execution.RefreshMargin = duration
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("breaker.failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold))
	}
	if c.Breaker.FailureWindow <= 0 {
		errs = append(errs, fmt.Sprintf("breaker.failure_window must be positive, got %v", c.Breaker.FailureWindow))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("breaker.reset_timeout must be positive, got %v", c.Breaker.ResetTimeout))
	}
	if c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, fmt.Sprintf("breaker.success_threshold must be at least 1, got %d", c.Breaker.SuccessThreshold))
	}

	if c.Execution.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("execution.timeout must be positive, got %v", c.Execution.Timeout))
	}
	if c.Execution.RefreshMargin < 0 {
		errs = append(errs, fmt.Sprintf("execution.refresh_margin must be non-negative, got %v", c.Execution.RefreshMargin))
	}

	for name, provider := range c.Providers {
		if provider.ClientID == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: client_id is required", name))
		}
		if provider.AuthURL == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: auth_url is required", name))
		}
		if provider.TokenURL == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: token_url is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
