// Package prompt - config.go contains interception settings and defaults.
//
// DESIGN: This file contains ONLY data and the Config type.
// Defaults are applied by WithDefaults when the YAML leaves a field empty.
package prompt

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultGeneratePath is the chat-completion generation endpoint of the host backend.
const DefaultGeneratePath = "/api/backends/chat-completions/generate"

// DefaultCustomSource is the endpoint-source tag of self-hosted endpoints.
const DefaultCustomSource = "custom"

// DefaultStartMarkers open the data section of a single-block prompt.
// Order matters: the first listed marker present in a prompt is the split point.
var DefaultStartMarkers = []string{
	"=== SCENE TRANSCRIPT ===",
	"=== CHAT TRANSCRIPT ===",
	"=== CHAT HISTORY ===",
	"=== CONVERSATION ===",
}

// DefaultEndMarkers close the data section. They qualify a prompt for
// adaptation but are never used as split points.
var DefaultEndMarkers = []string{
	"=== END SCENE TRANSCRIPT ===",
	"=== END CHAT TRANSCRIPT ===",
	"=== END CHAT HISTORY ===",
	"=== END CONVERSATION ===",
}

// DefaultOrigins are the caller components trusted to send generic
// "=== LABEL ===" prompts.
var DefaultOrigins = []string{"summarize"}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config controls which outbound calls are recognized as single-block prompts.
type Config struct {
	GeneratePath string   `yaml:"generate_path"`
	CustomSource string   `yaml:"custom_source"`
	StartMarkers []string `yaml:"start_markers"`
	EndMarkers   []string `yaml:"end_markers"`
	Origins      []string `yaml:"origins"` // Callers allowed to use generic markers
}

// WithDefaults returns a copy of c with empty fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.GeneratePath == "" {
		c.GeneratePath = DefaultGeneratePath
	}
	if c.CustomSource == "" {
		c.CustomSource = DefaultCustomSource
	}
	if len(c.StartMarkers) == 0 {
		c.StartMarkers = DefaultStartMarkers
	}
	if len(c.EndMarkers) == 0 {
		c.EndMarkers = DefaultEndMarkers
	}
	if len(c.Origins) == 0 {
		c.Origins = DefaultOrigins
	}
	return c
}
