// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:       Warn when a call exceeds threshold
//   - FlagProviderError:     Warn on upstream 4xx/5xx or error payloads
//   - FlagDeliveryExhausted: Error when every attempt failed
//   - FlagFailOpen:          Warn when the original request is replayed
//   - FlagPanic:             Error on recovered panics
package monitoring

import "time"

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = 30 * time.Second
	}
	return &AlertManager{logger: logger, highLatencyThreshold: threshold}
}

// FlagHighLatency logs when latency exceeds threshold.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, path string) {
	if latency < am.highLatencyThreshold {
		return
	}
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("latency", latency).
		Str("path", path).
		Msg("high_latency")
}

// FlagProviderError logs an upstream error response.
func (am *AlertManager) FlagProviderError(requestID, variant string, statusCode int, errorMsg string) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("variant", variant).
		Int("status", statusCode).
		Str("error", errorMsg).
		Msg("provider_error")
}

// FlagDeliveryExhausted logs a delivery that ran out of attempts.
func (am *AlertManager) FlagDeliveryExhausted(requestID string, attempts, statusCode int) {
	am.logger.Error().
		Str("request_id", requestID).
		Int("attempts", attempts).
		Int("status", statusCode).
		Msg("delivery_exhausted")
}

// FlagFailOpen logs an adaptation failure that fell back to the original request.
func (am *AlertManager) FlagFailOpen(requestID string, err error) {
	am.logger.Warn().
		Str("request_id", requestID).
		Err(err).
		Msg("fail_open")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue interface{}, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
