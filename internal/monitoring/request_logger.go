// Package monitoring - request_logger.go logs the interception lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:    Request received by the gateway
//   - LogClassified:  Interceptor recognized a single-block prompt
//   - LogSplit:       Prompt split into system + user messages
//   - LogPassthrough: Call forwarded unmodified, with the reason
//   - LogAttempt:     One delivery attempt on either channel
//   - LogResponse:    Response sent to client
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// LogClassified logs a recognized single-block prompt.
func (rl *RequestLogger) LogClassified(requestID, kind, marker string) {
	rl.logger.Debug().
		Str("request_id", requestID).
		Str("kind", kind).
		Str("marker", marker).
		Msg("classified")
}

// LogSplit logs a successful split.
func (rl *RequestLogger) LogSplit(requestID string, instructionLen, dataLen int) {
	rl.logger.Info().
		Str("request_id", requestID).
		Int("instructions", instructionLen).
		Int("data", dataLen).
		Msg("split into system + user messages")
}

// LogPassthrough logs a call forwarded unmodified.
func (rl *RequestLogger) LogPassthrough(requestID string, outcome Outcome, reason string) {
	rl.logger.Debug().
		Str("request_id", requestID).
		Str("outcome", string(outcome)).
		Str("reason", reason).
		Msg("passthrough")
}

// AttemptInfo contains delivery attempt information.
type AttemptInfo struct {
	RequestID  string
	Channel    string
	Variant    string
	Attempt    int
	TokenLimit int
	StatusCode int
	Err        error
	Latency    time.Duration
}

// LogAttempt logs a delivery attempt.
func (rl *RequestLogger) LogAttempt(info *AttemptInfo) {
	event := rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("channel", info.Channel).
		Str("variant", info.Variant).
		Int("attempt", info.Attempt).
		Dur("latency", info.Latency)
	if info.TokenLimit > 0 {
		event = event.Int("token_limit", info.TokenLimit)
	}
	if info.StatusCode > 0 {
		event = event.Int("status", info.StatusCode)
	}
	if info.Err != nil {
		event = event.Err(info.Err)
	}
	event.Msg("attempt")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	RequestID  string
	StatusCode int
	Latency    time.Duration
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency).
		Msg("response")
}
