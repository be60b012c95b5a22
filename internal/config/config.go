// Package config loads and validates the gateway configuration.
//
// DESIGN: Configuration comes from one YAML file, with ${VAR:-default}
// expansion applied before parsing. Feature packages own their config
// structs; this package composes them (see pipeline.go).
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - pipeline.go:   Re-exports of the interception pipeline configs
//   - monitoring.go: Logging, telemetry and alert settings
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the role-splitting gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Upstream   UpstreamConfig   `yaml:"upstream"`   // Host backend the gateway fronts
	Intercept  InterceptConfig  `yaml:"intercept"`  // Classifier / splitter
	Endpoint   EndpointSettings `yaml:"endpoint"`   // Active custom endpoint configuration
	Defaults   EnrichDefaults   `yaml:"defaults"`   // Post-processing metadata defaults
	Delivery   DeliveryConfig   `yaml:"delivery"`   // Retry, variant and backoff bounds
	Direct     DirectConfig     `yaml:"direct"`     // In-process channel client
	Capture    CaptureConfig    `yaml:"capture"`    // Diagnostic history
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging, telemetry, alerts
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // Port to listen on
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Max time to read request
	WriteTimeout time.Duration `yaml:"write_timeout"` // Max time to write response
	AllowedHosts []string      `yaml:"allowed_hosts"` // Host headers accepted (empty = localhost only)
	RateLimit    int           `yaml:"rate_limit"`    // Requests per second per client IP (0 = default)
}

// UpstreamConfig contains the host backend location.
type UpstreamConfig struct {
	URL     string        `yaml:"url"`     // Base URL of the host backend
	Timeout time.Duration `yaml:"timeout"` // Response header timeout for upstream calls
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets deployments redirect the gateway without editing
// the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("GATEWAY_CUSTOM_API_KEY"); v != "" {
		c.Endpoint.APIKey = v
	}
	if v := os.Getenv("SESSION_TELEMETRY_LOG"); v != "" {
		c.Monitoring.TelemetryPath = v
		c.Monitoring.TelemetryEnabled = true
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout == 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout == 0 {
		return fmt.Errorf("server.write_timeout is required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("invalid server.rate_limit: %d (must be >= 0)", c.Server.RateLimit)
	}

	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if u, err := url.Parse(c.Upstream.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream.url: %q", c.Upstream.URL)
	}

	if c.Endpoint.CustomURL != "" {
		if u, err := url.Parse(c.Endpoint.CustomURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid endpoint.custom_url: %q", c.Endpoint.CustomURL)
		}
	}

	if c.Delivery.AttemptCeiling < 0 {
		return fmt.Errorf("invalid delivery.attempt_ceiling: %d (must be >= 0)", c.Delivery.AttemptCeiling)
	}
	if c.Delivery.MaxVariants < 0 || c.Delivery.MaxVariants > 4 {
		return fmt.Errorf("invalid delivery.max_variants: %d (must be 0-4)", c.Delivery.MaxVariants)
	}
	for i, s := range c.Delivery.TokenSteps {
		if s <= 0 {
			return fmt.Errorf("invalid delivery.token_steps[%d]: %d (must be > 0)", i, s)
		}
	}
	for i, d := range c.Delivery.Backoff {
		if d < 0 {
			return fmt.Errorf("invalid delivery.backoff[%d]: %s (must be >= 0)", i, d)
		}
	}

	if c.Capture.Capacity < 0 {
		return fmt.Errorf("invalid capture.capacity: %d (must be >= 0)", c.Capture.Capacity)
	}

	for i, m := range c.Intercept.StartMarkers {
		if m == "" {
			return fmt.Errorf("intercept.start_markers[%d] is empty", i)
		}
	}

	return nil
}
