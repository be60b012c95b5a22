// Package capture keeps a bounded history of delivery attempts for inspection.
//
// DESIGN: One process-wide Recorder holds the most recent attempts (newest
// first) plus a pointer to the last one. Records are summaries, not full
// exchanges: bodies are truncated and secret headers redacted before they are
// stored. Recording never fails the caller: errors and panics are swallowed.
package capture

import (
	"time"
)

// Channel identifies which delivery channel produced an attempt.
type Channel string

const (
	ChannelInProcess Channel = "in_process"
	ChannelTransport Channel = "transport"
)

// Record is one captured delivery attempt.
type Record struct {
	ID        string           `json:"id"`
	RequestID string           `json:"request_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Channel   Channel          `json:"channel"`
	Attempt   int              `json:"attempt"`
	Variant   string           `json:"variant"`
	Request   RequestSummary   `json:"request"`
	Response  *ResponseSummary `json:"response,omitempty"`
	Error     *ErrorSummary    `json:"error,omitempty"`
	Duration  time.Duration    `json:"duration_ns"`
}

// MessageSummary describes one outgoing message.
type MessageSummary struct {
	Role    string `json:"role"`
	Length  int    `json:"length"`
	Preview string `json:"preview"`
}

// RequestSummary describes an outgoing request body.
type RequestSummary struct {
	Model           string            `json:"model,omitempty"`
	Endpoint        string            `json:"endpoint,omitempty"`
	TokenLimits     map[string]int    `json:"token_limits,omitempty"`
	Messages        []MessageSummary  `json:"messages"`
	EstimatedTokens int               `json:"estimated_tokens,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// ResponseSummary describes a received response.
type ResponseSummary struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body"`
	Truncated bool              `json:"truncated,omitempty"`
}

// ErrorSummary describes a failed attempt.
type ErrorSummary struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Config controls history size and summary budgets.
type Config struct {
	Capacity       int  `yaml:"capacity"`        // Max records kept (default 20)
	BodyBudget     int  `yaml:"body_budget"`     // Max response body characters (default 2000)
	PreviewChars   int  `yaml:"preview_chars"`   // Message preview length (default 120)
	EstimateTokens bool `yaml:"estimate_tokens"` // Count prompt tokens with cl100k_base
}

// Default budgets.
const (
	DefaultCapacity     = 20
	DefaultBodyBudget   = 2000
	DefaultPreviewChars = 120
)

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.BodyBudget <= 0 {
		c.BodyBudget = DefaultBodyBudget
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = DefaultPreviewChars
	}
	return c
}
