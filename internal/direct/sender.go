// Package direct sends chat messages straight to the configured custom
// endpoint. It is the in-process delivery channel: it bypasses the
// intercepted transport and reads the endpoint configuration in effect at
// call time.
//
// DESIGN: Settings come from endpoint.Store.Current, so a scoped patch
// applied by the delivery engine decides the target of each call:
//   - URL:     <custom_url>/chat/completions
//   - Body:    model, messages, stream=false, token/temperature options,
//              merged with custom_include_body, minus custom_exclude_body
//   - Headers: bearer API key, custom_include_headers
//   - Auth:    AWS SigV4 instead of the bearer key for bedrock-runtime hosts
package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/compresr/role-splitter/internal/chat"
	"github.com/compresr/role-splitter/internal/delivery"
	"github.com/compresr/role-splitter/internal/endpoint"
)

const (
	// DefaultTimeout bounds one direct call.
	DefaultTimeout = 60 * time.Second

	// completionsPath is appended to the custom endpoint URL.
	completionsPath = "/chat/completions"

	// maxResponseSize prevents OOM on unexpectedly large responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits error bodies quoted in errors.
	maxErrorBodyLen = 500
)

// ErrNoEndpoint is returned when no custom endpoint URL is configured.
var ErrNoEndpoint = errors.New("direct: no custom endpoint configured")

// Config configures the direct sender.
type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	AWSRegion string        `yaml:"aws_region"` // Overrides the region parsed from bedrock-runtime hosts
}

// Sender implements delivery.Channel against the custom endpoint.
type Sender struct {
	store  *endpoint.Store
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	signers map[string]*signingTransport // by region
}

var _ delivery.Channel = (*Sender)(nil)

// New creates a sender. base is the transport for outgoing calls; nil uses
// http.DefaultTransport. It must not be the intercepting transport.
func New(store *endpoint.Store, cfg Config, base http.RoundTripper) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &Sender{
		store:   store,
		cfg:     cfg,
		client:  &http.Client{Transport: base},
		signers: make(map[string]*signingTransport),
	}
}

// Send posts messages to the current custom endpoint and returns the raw
// response payload.
func (s *Sender) Send(ctx context.Context, kind string, messages []chat.Message, opts delivery.SendOptions) ([]byte, error) {
	settings := s.store.Current()
	if settings.CustomURL == "" {
		return nil, ErrNoEndpoint
	}

	target := strings.TrimRight(settings.CustomURL, "/") + completionsPath
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid custom endpoint %q: %w", settings.CustomURL, err)
	}

	body, err := BuildBody(settings, messages, opts)
	if err != nil {
		return nil, err
	}
	headers, err := ParseHeaders(settings.IncludeHeaders)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := s.client
	if IsAWSHost(u.Host) {
		t, err := s.signer(ctx, u.Host)
		if err != nil {
			return nil, err
		}
		client = &http.Client{Transport: t}
	} else if settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+settings.APIKey)
	}

	log.Debug().
		Str("kind", kind).
		Str("endpoint", u.Host).
		Int("messages", len(messages)).
		Msg("direct_send")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("custom endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read custom endpoint response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := string(respBody)
		if len(errBody) > maxErrorBodyLen {
			errBody = errBody[:maxErrorBodyLen] + "... (truncated)"
		}
		return nil, fmt.Errorf("custom endpoint returned status %d: %s", resp.StatusCode, errBody)
	}
	return respBody, nil
}

// signer returns the cached SigV4 transport for host's region.
func (s *Sender) signer(ctx context.Context, host string) (*signingTransport, error) {
	region := s.cfg.AWSRegion
	if region == "" {
		region = RegionFromHost(host)
	}
	if region == "" {
		region = defaultRegion
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.signers[region]; ok {
		return t, nil
	}
	t, err := newSigningTransport(ctx, region, s.client.Transport)
	if err != nil {
		return nil, err
	}
	s.signers[region] = t
	return t, nil
}

// =============================================================================
// BODY / HEADERS
// =============================================================================

// BuildBody assembles the request body for settings: the base fields, then
// the include-body mapping merged over them, then the exclude-body keys removed.
func BuildBody(settings endpoint.Settings, messages []chat.Message, opts delivery.SendOptions) ([]byte, error) {
	body := map[string]any{
		chat.FieldMessages: messages,
		chat.FieldStream:   false,
	}
	model := opts.Model
	if model == "" {
		model = settings.CustomModelID
	}
	if model != "" {
		body[chat.FieldModel] = model
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		body[chat.FieldTemperature] = *opts.Temperature
	}

	include, err := ParseIncludeBody(settings.IncludeBody)
	if err != nil {
		return nil, err
	}
	for k, v := range include {
		body[k] = v
	}

	exclude, err := ParseExcludeBody(settings.ExcludeBody)
	if err != nil {
		return nil, err
	}
	for _, k := range exclude {
		delete(body, k)
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return out, nil
}

// ParseIncludeBody parses a YAML mapping of extra body fields.
func ParseIncludeBody(text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := yaml.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("invalid custom_include_body: %w", err)
	}
	return m, nil
}

// ParseExcludeBody parses a YAML list of body keys to drop. A single scalar
// is accepted as a one-element list.
func ParseExcludeBody(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(text), &node); err != nil {
		return nil, fmt.Errorf("invalid custom_exclude_body: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	doc := node.Content[0]
	switch doc.Kind {
	case yaml.ScalarNode:
		return []string{doc.Value}, nil
	case yaml.SequenceNode:
		var keys []string
		if err := doc.Decode(&keys); err != nil {
			return nil, fmt.Errorf("invalid custom_exclude_body: %w", err)
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("invalid custom_exclude_body: expected a list")
	}
}

// ParseHeaders parses a YAML mapping of header names to values.
func ParseHeaders(text string) (map[string]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("invalid custom_include_headers: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}
