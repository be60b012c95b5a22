package delivery

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/compresr/role-splitter/internal/chat"
	"github.com/compresr/role-splitter/internal/endpoint"
	"github.com/compresr/role-splitter/internal/prompt"
)

// Variant names, in priority order.
const (
	VariantSplit        = "split"
	VariantActiveConfig = "active_config"
	VariantChunked      = "chunked"
	VariantMerged       = "merged"
)

// paragraphBreak separates paragraphs: a blank line, possibly with spaces.
var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// Variant is one candidate body shape for the transport channel.
type Variant struct {
	Name string
	Body []byte
}

// BuildVariants returns the candidate bodies for body in priority order,
// deduplicated by structural equality and capped at cfg.MaxVariants.
func BuildVariants(body []byte, split prompt.Split, active endpoint.Settings, cfg Config) []Variant {
	cfg = cfg.WithDefaults()

	candidates := []Variant{{Name: VariantSplit, Body: body}}
	if b, err := forceActive(body, active); err == nil {
		candidates = append(candidates, Variant{Name: VariantActiveConfig, Body: b})
	}
	if len([]rune(split.Data)) > cfg.ChunkThreshold {
		if b, err := chunked(body, split, cfg.ChunkMaxChars); err == nil {
			candidates = append(candidates, Variant{Name: VariantChunked, Body: b})
		}
	}
	if b, err := merged(body, split); err == nil {
		candidates = append(candidates, Variant{Name: VariantMerged, Body: b})
	}

	var out []Variant
	var seen [][]byte
	for _, v := range candidates {
		canon, err := chat.Canonical(v.Body)
		if err != nil {
			continue
		}
		if containsBytes(seen, canon) {
			continue
		}
		seen = append(seen, canon)
		out = append(out, v)
		if len(out) == cfg.MaxVariants {
			break
		}
	}
	return out
}

// forceActive sets the custom endpoint fields to the active configuration.
// Empty active values leave the body's value in place.
func forceActive(body []byte, active endpoint.Settings) ([]byte, error) {
	out := body
	var err error
	for _, f := range []struct{ field, value string }{
		{chat.FieldCustomURL, active.CustomURL},
		{chat.FieldCustomModelID, active.CustomModelID},
		{chat.FieldCustomIncludeBody, active.IncludeBody},
		{chat.FieldCustomExcludeBody, active.ExcludeBody},
		{chat.FieldCustomIncludeHeaders, active.IncludeHeaders},
	} {
		if f.value == "" {
			continue
		}
		if out, err = sjson.SetBytes(out, f.field, f.value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// chunked keeps the system message and spreads the data over several user
// messages at paragraph boundaries.
func chunked(body []byte, split prompt.Split, maxChars int) ([]byte, error) {
	msgs := []chat.Message{{Role: chat.RoleSystem, Content: split.Instructions}}
	for _, c := range ChunkParagraphs(split.Data, maxChars) {
		msgs = append(msgs, chat.Message{Role: chat.RoleUser, Content: c})
	}
	return chat.SetMessages(body, msgs)
}

// merged folds instructions and data into one user message.
func merged(body []byte, split prompt.Split) ([]byte, error) {
	return chat.SetMessages(body, []chat.Message{
		{Role: chat.RoleUser, Content: split.Instructions + "\n\n" + split.Data},
	})
}

// ChunkParagraphs packs paragraphs greedily into chunks of at most maxChars
// characters. A paragraph is never split: one longer than maxChars becomes a
// chunk of its own.
func ChunkParagraphs(text string, maxChars int) []string {
	var chunks []string
	var cur strings.Builder
	curLen := 0

	for _, p := range paragraphBreak.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		pLen := len([]rune(p))
		if curLen > 0 && curLen+2+pLen > maxChars {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(p)
		curLen += pLen
	}
	if curLen > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func containsBytes(list [][]byte, b []byte) bool {
	for _, x := range list {
		if bytes.Equal(x, b) {
			return true
		}
	}
	return false
}
