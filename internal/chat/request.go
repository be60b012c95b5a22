// Package chat holds the chat-completion body vocabulary shared by the
// classifier, enricher and delivery engine.
//
// DESIGN: Bodies stay raw JSON end to end. Reads go through gjson, writes go
// through sjson, so fields this package does not know about survive every
// rewrite byte for byte.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Body field names of the OpenAI-compatible generate contract.
const (
	FieldMessages             = "messages"
	FieldStream               = "stream"
	FieldModel                = "model"
	FieldTemperature          = "temperature"
	FieldSource               = "chat_completion_source"
	FieldCustomURL            = "custom_url"
	FieldCustomModelID        = "custom_model_id"
	FieldCustomIncludeBody    = "custom_include_body"
	FieldCustomExcludeBody    = "custom_exclude_body"
	FieldCustomIncludeHeaders = "custom_include_headers"
	FieldUserName             = "user_name"
	FieldCharName             = "char_name"
	FieldGroupNames           = "group_names"
	FieldPostProcessing       = "custom_prompt_post_processing"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TokenFields are the synonymous max-token fields, in lookup order.
var TokenFields = []string{"max_tokens", "max_completion_tokens", "max_output_tokens"}

// Message is a single chat message with plain string content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Messages returns the messages of a body. Non-string content is returned as
// its raw JSON text.
func Messages(body []byte) []Message {
	arr := gjson.GetBytes(body, FieldMessages)
	if !arr.IsArray() {
		return nil
	}
	var out []Message
	arr.ForEach(func(_, m gjson.Result) bool {
		content := m.Get("content")
		text := content.Raw
		if content.Type == gjson.String {
			text = content.String()
		}
		out = append(out, Message{Role: m.Get("role").String(), Content: text})
		return true
	})
	return out
}

// SetMessages replaces the messages array.
func SetMessages(body []byte, msgs []Message) ([]byte, error) {
	out, err := sjson.SetBytes(body, FieldMessages, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to set messages: %w", err)
	}
	return out, nil
}

// String returns a top-level string field, or "" when absent or not a string.
func String(body []byte, field string) string {
	v := gjson.GetBytes(body, field)
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}

// TokenLimit returns the first max-token field present and its value.
func TokenLimit(body []byte) (string, int, bool) {
	for _, field := range TokenFields {
		v := gjson.GetBytes(body, field)
		if v.Type == gjson.Number {
			return field, int(v.Int()), true
		}
	}
	return "", 0, false
}

// SetTokenLimit writes limit into field.
func SetTokenLimit(body []byte, field string, limit int) ([]byte, error) {
	out, err := sjson.SetBytes(body, field, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to set %s: %w", field, err)
	}
	return out, nil
}

// Canonical re-encodes body with sorted keys and no insignificant whitespace.
// Two bodies are structurally equal when their canonical forms are equal.
func Canonical(body []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("failed to parse body: %w", err)
	}
	return json.Marshal(v)
}

// ErrorMessage reports whether a response payload encodes a provider-level
// error, and its message.
func ErrorMessage(payload []byte) (string, bool) {
	if !gjson.ValidBytes(payload) {
		return "", false
	}
	errField := gjson.GetBytes(payload, "error")
	switch {
	case errField.IsObject():
		if msg := errField.Get("message"); msg.Exists() {
			return msg.String(), true
		}
		return errField.Raw, true
	case errField.Type == gjson.String && errField.String() != "":
		return errField.String(), true
	case errField.Type == gjson.True:
		return gjson.GetBytes(payload, "message").String(), true
	}
	return "", false
}

// Preview returns at most n runes of s, with an ellipsis when cut.
func Preview(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
