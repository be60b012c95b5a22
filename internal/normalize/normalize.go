package normalize

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/role-splitter/internal/chat"
)

// DefaultFinishReason is used when a synthesized choice has none.
const DefaultFinishReason = "stop"

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type choice struct {
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// IsCanonical reports whether payload already carries string content at
// choices[0].message.content.
func IsCanonical(payload []byte) bool {
	return gjson.GetBytes(payload, "choices.0.message.content").Type == gjson.String
}

// Normalize returns payload in canonical shape. Canonical input and payloads
// without extractable text are returned unchanged with changed=false.
func Normalize(payload []byte) ([]byte, bool) {
	if !gjson.ValidBytes(payload) {
		return payload, false
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() || IsCanonical(payload) {
		return payload, false
	}

	text, ok := Extract(root)
	if !ok {
		return payload, false
	}

	out, err := reassemble(payload, root, text)
	if err != nil {
		return payload, false
	}
	return out, true
}

// Extract finds the response text. Locations are tried in order, the first
// one yielding text wins:
//  1. choices[0].message.content (string, {text} or parts)
//  2. choices[0].text
//  3. content at payload level
//  4. output_text
//  5. output[] items, each by content rule or a direct text field, concatenated
func Extract(root gjson.Result) (string, bool) {
	if text, ok := ExtractText(ParseContent(root.Get("choices.0.message.content"))); ok {
		return text, true
	}
	if t := root.Get("choices.0.text"); t.Type == gjson.String && t.String() != "" {
		return t.String(), true
	}
	if text, ok := ExtractText(ParseContent(root.Get("content"))); ok {
		return text, true
	}
	if t := root.Get("output_text"); t.Type == gjson.String && t.String() != "" {
		return t.String(), true
	}
	if output := root.Get("output"); output.IsArray() {
		var sb strings.Builder
		output.ForEach(func(_, item gjson.Result) bool {
			if text, ok := ExtractText(ParseContent(item.Get("content"))); ok {
				sb.WriteString(text)
			} else if t := item.Get("text"); t.Type == gjson.String {
				sb.WriteString(t.String())
			}
			return true
		})
		if sb.Len() > 0 {
			return sb.String(), true
		}
	}
	return "", false
}

// AssistantText returns the assistant text of a payload in any supported shape.
func AssistantText(payload []byte) (string, bool) {
	if !gjson.ValidBytes(payload) {
		return "", false
	}
	root := gjson.ParseBytes(payload)
	if c := root.Get("choices.0.message.content"); c.Type == gjson.String {
		return c.String(), c.String() != ""
	}
	return Extract(root)
}

func reassemble(payload []byte, root gjson.Result, text string) ([]byte, error) {
	if root.Get("choices.0.message").IsObject() {
		return sjson.SetBytes(payload, "choices.0.message.content", text)
	}

	finish := DefaultFinishReason
	if f := root.Get("choices.0.finish_reason"); f.Type == gjson.String && f.String() != "" {
		finish = f.String()
	}
	c := choice{Message: message{Role: chat.RoleAssistant, Content: text}, FinishReason: finish}

	if root.Get("choices.0").IsObject() {
		return sjson.SetBytes(payload, "choices.0", c)
	}
	return sjson.SetBytes(payload, "choices", []choice{c})
}
