// Request classification.
//
// DESIGN: Classify is a pure decision over the method, target, body and the
// caller's declared origin. It fails open: anything unexpected (bad JSON,
// odd shapes) means "do not adapt", never an error.
//
// Generic "=== LABEL ===" lines are common in unrelated prompts, so they only
// qualify when the caller declares a trusted origin via WithOrigin or the
// X-Prompt-Origin header.
package prompt

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/compresr/role-splitter/internal/chat"
)

// HeaderPromptOrigin carries the originating caller component over HTTP.
const HeaderPromptOrigin = "X-Prompt-Origin"

// genericMarker matches a whole "=== LABEL ===" line.
var genericMarker = regexp.MustCompile(`(?m)^[ \t]*={3,}[ \t]*[A-Za-z0-9][^=\r\n]*?[ \t]*={3,}[ \t]*$`)

// Kind identifies which marker family matched.
type Kind string

const (
	KindStart   Kind = "start"
	KindEnd     Kind = "end"
	KindGeneric Kind = "generic"
)

// Classification is the derived view of a recognized single-block prompt.
type Classification struct {
	Content string
	Marker  string
	Kind    Kind
}

// Evidence is call-site information supplied by the caller.
type Evidence struct {
	Origin string
}

type originKey struct{}

// WithOrigin marks ctx as coming from the named caller component.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the origin set by WithOrigin.
func OriginFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(originKey{}).(string); ok {
		return v
	}
	return ""
}

// Classifier decides whether an outbound call needs adaptation.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier; empty config fields take defaults.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg.WithDefaults()}
}

// Config returns the effective configuration.
func (c *Classifier) Config() Config { return c.cfg }

// Classify reports whether the call is a recognized single-block prompt.
func (c *Classifier) Classify(method, target string, body []byte, ev Evidence) (Classification, bool) {
	if !strings.EqualFold(method, "POST") || !c.MatchesPath(target) {
		return Classification{}, false
	}
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return Classification{}, false
	}
	if !c.IsCustomEndpoint(body) {
		return Classification{}, false
	}

	messages := gjson.GetBytes(body, chat.FieldMessages)
	if !messages.IsArray() || len(messages.Array()) != 1 {
		return Classification{}, false
	}
	msg := messages.Array()[0]
	if msg.Get("role").String() != chat.RoleUser {
		return Classification{}, false
	}
	content := msg.Get("content")
	if content.Type != gjson.String {
		return Classification{}, false
	}
	text := content.String()

	for _, m := range c.cfg.StartMarkers {
		if m != "" && strings.Contains(text, m) {
			return Classification{Content: text, Marker: m, Kind: KindStart}, true
		}
	}
	for _, m := range c.cfg.EndMarkers {
		if m != "" && strings.Contains(text, m) {
			return Classification{Content: text, Marker: m, Kind: KindEnd}, true
		}
	}
	if line := genericMarker.FindString(text); line != "" && c.trustedOrigin(ev.Origin) {
		return Classification{Content: text, Marker: strings.TrimSpace(line), Kind: KindGeneric}, true
	}
	return Classification{}, false
}

// MatchesPath reports whether target points at the generation endpoint.
// target may be an absolute URL or a bare path.
func (c *Classifier) MatchesPath(target string) bool {
	path := target
	if u, err := url.Parse(target); err == nil && u.Path != "" {
		path = u.Path
	}
	return strings.Contains(path, c.cfg.GeneratePath)
}

// IsCustomEndpoint reports whether body targets a self-hosted endpoint, where
// the custom include/exclude lists are meaningful.
func (c *Classifier) IsCustomEndpoint(body []byte) bool {
	if chat.String(body, chat.FieldSource) == c.cfg.CustomSource {
		return true
	}
	return strings.TrimSpace(chat.String(body, chat.FieldCustomURL)) != ""
}

func (c *Classifier) trustedOrigin(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false
	}
	for _, o := range c.cfg.Origins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
