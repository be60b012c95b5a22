// Package delivery obtains a response for an adapted request despite
// transient upstream failures and shape mismatches, at bounded cost.
//
// DESIGN: Two channels, tried in order:
//  1. In-process: send the two messages through a Channel under a scoped
//     endpoint configuration patch (endpoint.Store.WithPatch).
//  2. Transport:  replay the original HTTP call through the wrapped
//     RoundTripper with body variants and decreasing token budgets.
//
// Channel 1 success short-circuits channel 2. One global attempt ceiling
// bounds channel 2; backoff follows a fixed escalating schedule.
package delivery

import "time"

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	DefaultAttemptCeiling     = 4
	DefaultMaxVariants        = 2
	DefaultMaxTokenCandidates = 5
	DefaultChunkThreshold     = 12000
	DefaultChunkMaxChars      = 6000
)

// DefaultTokenSteps are the reduced token budgets tried after the original.
var DefaultTokenSteps = []int{2048, 1024, 768, 512}

// DefaultBackoff is the delay before the 2nd, 3rd, ... attempt. The last
// entry repeats.
var DefaultBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// DefaultRetryTokens mark an error message as transient (case-insensitive).
var DefaultRetryTokens = []string{
	"server error",
	"gateway",
	"timeout",
	"upstream",
	"unavailable",
	"overload",
	"rate limit",
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config bounds the delivery strategy.
type Config struct {
	InProcess          bool            `yaml:"in_process"` // Try the in-process channel first
	AttemptCeiling     int             `yaml:"attempt_ceiling"`
	MaxVariants        int             `yaml:"max_variants"`
	MaxTokenCandidates int             `yaml:"max_token_candidates"`
	TokenSteps         []int           `yaml:"token_steps"`
	Backoff            []time.Duration `yaml:"backoff"`
	ChunkThreshold     int             `yaml:"chunk_threshold"` // Data length (chars) that enables the chunked variant
	ChunkMaxChars      int             `yaml:"chunk_max_chars"`
	RetryTokens        []string        `yaml:"retry_tokens"`
}

// WithDefaults returns a copy of c with empty fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.AttemptCeiling <= 0 {
		c.AttemptCeiling = DefaultAttemptCeiling
	}
	if c.MaxVariants <= 0 {
		c.MaxVariants = DefaultMaxVariants
	}
	if c.MaxTokenCandidates <= 0 {
		c.MaxTokenCandidates = DefaultMaxTokenCandidates
	}
	if len(c.TokenSteps) == 0 {
		c.TokenSteps = DefaultTokenSteps
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = DefaultChunkThreshold
	}
	if c.ChunkMaxChars <= 0 {
		c.ChunkMaxChars = DefaultChunkMaxChars
	}
	if len(c.RetryTokens) == 0 {
		c.RetryTokens = DefaultRetryTokens
	}
	return c
}
