package capture

import (
	"net/http"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/role-splitter/internal/chat"
)

// Redacted replaces secret header values.
const Redacted = "[REDACTED]"

// secretHeaders are never stored verbatim (canonical header keys).
var secretHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"X-Api-Key":           true,
	"Api-Key":             true,
	"Cookie":              true,
	"Set-Cookie":          true,
}

// RedactHeaders flattens headers and masks secret values.
func RedactHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		key := http.CanonicalHeaderKey(k)
		if secretHeaders[key] {
			out[key] = Redacted
			continue
		}
		out[key] = strings.Join(v, ", ")
	}
	return out
}

// SummarizeRequest builds a request summary from headers and a chat body.
func (r *Recorder) SummarizeRequest(headers http.Header, body []byte) RequestSummary {
	s := RequestSummary{
		Model:    firstString(body, chat.FieldCustomModelID, chat.FieldModel),
		Endpoint: chat.String(body, chat.FieldCustomURL),
		Headers:  RedactHeaders(headers),
	}
	for _, field := range chat.TokenFields {
		if v := gjson.GetBytes(body, field); v.Type == gjson.Number {
			if s.TokenLimits == nil {
				s.TokenLimits = make(map[string]int)
			}
			s.TokenLimits[field] = int(v.Int())
		}
	}

	var all strings.Builder
	for _, m := range chat.Messages(body) {
		s.Messages = append(s.Messages, MessageSummary{
			Role:    m.Role,
			Length:  len([]rune(m.Content)),
			Preview: chat.Preview(m.Content, r.cfg.PreviewChars),
		})
		all.WriteString(m.Content)
	}
	if r.tokens != nil {
		s.EstimatedTokens = r.tokens.count(all.String())
	}
	return s
}

// SummarizeResponse builds a response summary with the body cut to budget.
func (r *Recorder) SummarizeResponse(status int, headers http.Header, body []byte) *ResponseSummary {
	text, truncated := truncate(string(body), r.cfg.BodyBudget)
	return &ResponseSummary{
		Status:    status,
		Headers:   RedactHeaders(headers),
		Body:      text,
		Truncated: truncated,
	}
}

// SummarizeError captures err with the current goroutine stack.
func SummarizeError(err error) *ErrorSummary {
	if err == nil {
		return nil
	}
	return &ErrorSummary{Message: err.Error(), Stack: string(debug.Stack())}
}

func truncate(s string, budget int) (string, bool) {
	r := []rune(s)
	if len(r) <= budget {
		return s, false
	}
	return string(r[:budget]), true
}

func firstString(body []byte, fields ...string) string {
	for _, f := range fields {
		if v := chat.String(body, f); v != "" {
			return v
		}
	}
	return ""
}

// tokenCounter lazily loads cl100k_base. When the encoding cannot be loaded
// it falls back to four characters per token.
type tokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (c *tokenCounter) count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Debug().Err(err).Msg("token encoding unavailable, estimating by length")
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}
