// Monitoring configuration - logging, telemetry and alert settings.
//
// DESIGN: Separates logging (zerolog) from telemetry (JSONL files).
// Logging is for operators, telemetry is for analytics across sessions.
package config

import (
	"time"

	"github.com/compresr/role-splitter/internal/monitoring"
)

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console, auto
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path

	// Telemetry settings
	TelemetryEnabled bool   `yaml:"telemetry_enabled"` // Record one event per intercepted call
	TelemetryPath    string `yaml:"telemetry_path"`    // Path to telemetry JSONL file
	LogToStdout      bool   `yaml:"log_to_stdout"`     // Also log telemetry to stdout

	// Alerts
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}

// Logger returns the logger settings.
func (m MonitoringConfig) Logger() monitoring.LoggerConfig {
	return monitoring.LoggerConfig{Level: m.LogLevel, Format: m.LogFormat, Output: m.LogOutput}
}

// Telemetry returns the telemetry settings.
func (m MonitoringConfig) Telemetry() monitoring.TelemetryConfig {
	return monitoring.TelemetryConfig{Enabled: m.TelemetryEnabled, LogPath: m.TelemetryPath, LogToStdout: m.LogToStdout}
}

// Alerts returns the alert thresholds.
func (m MonitoringConfig) Alerts() monitoring.AlertConfig {
	return monitoring.AlertConfig{HighLatencyThreshold: m.HighLatencyThreshold}
}
