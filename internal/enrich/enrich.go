// Package enrich turns a split prompt into the adapted request body.
//
// DESIGN: Precedence is always "keep the caller's value, else adopt ours".
// A field the caller filled in is never overwritten.
package enrich

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/role-splitter/internal/chat"
	"github.com/compresr/role-splitter/internal/endpoint"
	"github.com/compresr/role-splitter/internal/prompt"
)

// Defaults are the host-side values used for post-processing metadata.
type Defaults struct {
	UserName       string `yaml:"user_name"`
	CharName       string `yaml:"char_name"`
	PostProcessing string `yaml:"prompt_post_processing"` // "", merge, semi, strict
}

// Enricher builds adapted request bodies.
type Enricher struct {
	store        *endpoint.Store
	defaults     Defaults
	customSource string
}

// New creates an enricher reading the active endpoint configuration from store.
func New(store *endpoint.Store, defaults Defaults, customSource string) *Enricher {
	if customSource == "" {
		customSource = prompt.DefaultCustomSource
	}
	return &Enricher{store: store, defaults: defaults, customSource: customSource}
}

// Enrich replaces the messages with [system, user], forces stream off, and
// fills endpoint and metadata fields the downstream stages need.
func (e *Enricher) Enrich(body []byte, split prompt.Split) ([]byte, error) {
	out, err := chat.SetMessages(body, []chat.Message{
		{Role: chat.RoleSystem, Content: split.Instructions},
		{Role: chat.RoleUser, Content: split.Data},
	})
	if err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, chat.FieldStream, false); err != nil {
		return nil, fmt.Errorf("failed to disable streaming: %w", err)
	}

	if chat.String(out, chat.FieldSource) == e.customSource {
		active := e.store.Active()
		for _, f := range []struct{ field, value string }{
			{chat.FieldCustomURL, active.CustomURL},
			{chat.FieldCustomIncludeBody, active.IncludeBody},
			{chat.FieldCustomExcludeBody, active.ExcludeBody},
			{chat.FieldCustomIncludeHeaders, active.IncludeHeaders},
		} {
			if out, err = keepOrSet(out, f.field, f.value); err != nil {
				return nil, err
			}
		}
	}

	for _, f := range []struct{ field, value string }{
		{chat.FieldUserName, e.defaults.UserName},
		{chat.FieldCharName, e.defaults.CharName},
		{chat.FieldPostProcessing, e.defaults.PostProcessing},
	} {
		if out, err = keepOrSet(out, f.field, f.value); err != nil {
			return nil, err
		}
	}

	if !gjson.GetBytes(out, chat.FieldGroupNames).Exists() {
		if out, err = sjson.SetRawBytes(out, chat.FieldGroupNames, []byte("[]")); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", chat.FieldGroupNames, err)
		}
	}
	return out, nil
}

// keepOrSet writes value unless the body already carries a non-empty string.
// Absent fields are created even when value is empty.
func keepOrSet(body []byte, field, value string) ([]byte, error) {
	existing := gjson.GetBytes(body, field)
	if existing.Type == gjson.String && strings.TrimSpace(existing.String()) != "" {
		return body, nil
	}
	if existing.Exists() && value == "" {
		return body, nil
	}
	out, err := sjson.SetBytes(body, field, value)
	if err != nil {
		return nil, fmt.Errorf("failed to set %s: %w", field, err)
	}
	return out, nil
}
