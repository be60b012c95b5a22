// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by the interceptor, delivery engine and gateway.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - Outcome:         How an intercepted call was handled
//   - AdaptationEvent: Telemetry data for each intercepted call
//   - Config types:    TelemetryConfig, LoggerConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// OUTCOMES - Used by interceptor and telemetry
// =============================================================================

// Outcome identifies how an intercepted call was handled.
type Outcome string

const (
	OutcomePassthrough   Outcome = "passthrough"    // Not a recognized single-block prompt
	OutcomeSplitRejected Outcome = "split_rejected" // Recognized but a segment was empty
	OutcomeInProcess     Outcome = "in_process"     // Delivered by the in-process channel
	OutcomeTransport     Outcome = "transport"      // Delivered by the fallback transport
	OutcomeFailOpen      Outcome = "fail_open"      // Adaptation failed, original request replayed
)

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// AdaptationEvent captures one intercepted call.
type AdaptationEvent struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	Outcome        Outcome   `json:"outcome"`
	MarkerKind     string    `json:"marker_kind,omitempty"`
	Marker         string    `json:"marker,omitempty"`
	Attempts       int       `json:"attempts"`
	Variant        string    `json:"variant,omitempty"`
	StatusCode     int       `json:"status_code"`
	Normalized     bool      `json:"normalized"`
	InstructionLen int       `json:"instruction_len,omitempty"`
	DataLen        int       `json:"data_len,omitempty"`
	Error          string    `json:"error,omitempty"`
	TotalLatencyMs int64     `json:"total_latency_ms"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}
