// Package endpoint holds the active custom-endpoint configuration.
//
// DESIGN: The host's endpoint settings are process-wide shared state. Instead
// of mutating them ad hoc, Store exposes:
//   - Active:    the committed settings, never a transient patch
//   - Current:   what the in-process delivery facility sees right now
//   - WithPatch: apply a patch, run a scoped task, restore verbatim
//
// Every mutation goes through a single-slot FIFO queue, so two adapted
// requests never observe each other's patch.
package endpoint

// Settings is the custom-endpoint configuration of the host.
// The include/exclude fields hold YAML text, as the host stores them.
type Settings struct {
	CustomURL      string  `yaml:"custom_url" json:"custom_url"`
	CustomModelID  string  `yaml:"custom_model_id" json:"custom_model_id"`
	APIKey         string  `yaml:"api_key" json:"api_key,omitempty"`
	IncludeBody    string  `yaml:"include_body" json:"custom_include_body"`
	ExcludeBody    string  `yaml:"exclude_body" json:"custom_exclude_body"`
	IncludeHeaders string  `yaml:"include_headers" json:"custom_include_headers"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	MaxTokens      int     `yaml:"max_tokens" json:"max_tokens"`
	Stream         bool    `yaml:"stream" json:"stream"`
	WebSearch      bool    `yaml:"web_search" json:"web_search"`
	RequestImages  bool    `yaml:"request_images" json:"request_images"`
}

// RedactedKey replaces the API key in exposed settings.
const RedactedKey = "[REDACTED]"

// Redacted returns a copy safe to expose over the debug surface.
func (s Settings) Redacted() Settings {
	if s.APIKey != "" {
		s.APIKey = RedactedKey
	}
	return s
}

// Patch is a transient override of the endpoint settings for one delivery.
type Patch struct {
	CustomURL      string
	CustomModelID  string
	IncludeBody    string
	ExcludeBody    string
	IncludeHeaders string
	Temperature    *float64
	MaxTokens      int
}

// Apply returns s with the patch applied. Empty endpoint fields keep the
// value of s. Streaming and optional features are always switched off: the
// caller consumes one complete JSON payload.
func (p Patch) Apply(s Settings) Settings {
	if p.CustomURL != "" {
		s.CustomURL = p.CustomURL
	}
	if p.CustomModelID != "" {
		s.CustomModelID = p.CustomModelID
	}
	if p.IncludeBody != "" {
		s.IncludeBody = p.IncludeBody
	}
	if p.ExcludeBody != "" {
		s.ExcludeBody = p.ExcludeBody
	}
	if p.IncludeHeaders != "" {
		s.IncludeHeaders = p.IncludeHeaders
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.MaxTokens > 0 {
		s.MaxTokens = p.MaxTokens
	}
	s.Stream = false
	s.WebSearch = false
	s.RequestImages = false
	return s
}

// SameEndpoint reports whether two patches target the same endpoint with the
// same model and header/body lists.
func (p Patch) SameEndpoint(o Patch) bool {
	return p.CustomURL == o.CustomURL &&
		p.CustomModelID == o.CustomModelID &&
		p.IncludeBody == o.IncludeBody &&
		p.ExcludeBody == o.ExcludeBody &&
		p.IncludeHeaders == o.IncludeHeaders
}

// PatchFrom builds the endpoint part of a patch from settings.
func PatchFrom(s Settings) Patch {
	return Patch{
		CustomURL:      s.CustomURL,
		CustomModelID:  s.CustomModelID,
		IncludeBody:    s.IncludeBody,
		ExcludeBody:    s.ExcludeBody,
		IncludeHeaders: s.IncludeHeaders,
	}
}
