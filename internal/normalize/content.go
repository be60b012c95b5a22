// Package normalize reshapes chat-completion responses into the canonical
// envelope {"choices":[{"message":{"role":"assistant","content":"…"},"finish_reason":"…"}]}.
//
// DESIGN: Providers disagree on where the text lives and how it is wrapped.
// Content is parsed into a closed set of shapes (Text, TextObject, Parts)
// and extracted by one recursive function instead of ad hoc type probing.
package normalize

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Content is one of the known content shapes.
type Content interface {
	isContent()
}

// Text is a plain string.
type Text string

// TextObject is {"text": "..."}.
type TextObject struct {
	Text string
}

// Parts is an ordered array of content parts. Each part is a string,
// {"text": ...}, {"content": "..."} or {"content": [...]} nested again.
type Parts []Content

// Unknown is any shape that carries no extractable text.
type Unknown struct{}

func (Text) isContent()       {}
func (TextObject) isContent() {}
func (Parts) isContent()      {}
func (Unknown) isContent()    {}

// ParseContent classifies a JSON value into a Content shape.
func ParseContent(v gjson.Result) Content {
	switch {
	case v.Type == gjson.String:
		return Text(v.String())
	case v.IsArray():
		var parts Parts
		v.ForEach(func(_, part gjson.Result) bool {
			parts = append(parts, ParseContent(part))
			return true
		})
		return parts
	case v.IsObject():
		if t := v.Get("text"); t.Type == gjson.String {
			return TextObject{Text: t.String()}
		}
		if c := v.Get("content"); c.Exists() {
			return ParseContent(c)
		}
	}
	return Unknown{}
}

// ExtractText returns the text carried by c, concatenating parts in order.
// ok is false when c carries no text.
func ExtractText(c Content) (string, bool) {
	switch c := c.(type) {
	case Text:
		return string(c), c != ""
	case TextObject:
		return c.Text, c.Text != ""
	case Parts:
		var sb strings.Builder
		for _, part := range c {
			if text, ok := ExtractText(part); ok {
				sb.WriteString(text)
			}
		}
		return sb.String(), sb.Len() > 0
	default:
		return "", false
	}
}
