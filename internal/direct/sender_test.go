package direct_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/role-splitter/internal/chat"
	"github.com/compresr/role-splitter/internal/delivery"
	"github.com/compresr/role-splitter/internal/direct"
	"github.com/compresr/role-splitter/internal/endpoint"
)

var twoMessages = []chat.Message{
	{Role: chat.RoleSystem, Content: "Summarize."},
	{Role: chat.RoleUser, Content: "=== CHAT HISTORY ===\nhi"},
}

func TestSend_UsesCurrentSettings(t *testing.T) {
	var gotPath, gotAuth, gotHeader string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Tenant")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	store := endpoint.NewStore(endpoint.Settings{APIKey: "sk-test"})
	sender := direct.New(store, direct.Config{}, nil)

	temp := 0.2
	patch := endpoint.Patch{
		CustomURL:      srv.URL + "/v1/",
		CustomModelID:  "local-model",
		IncludeBody:    "top_p: 0.9\nrepetition_penalty: 1.1",
		ExcludeBody:    "- temperature",
		IncludeHeaders: "X-Tenant: acme",
		Temperature:    &temp,
		MaxTokens:      512,
	}

	var payload []byte
	err := store.WithPatch(context.Background(), patch, func(ctx context.Context, s endpoint.Settings) error {
		var err error
		payload, err = sender.Send(ctx, delivery.KindQuiet, twoMessages, delivery.SendOptions{
			Temperature: &s.Temperature,
			MaxTokens:   s.MaxTokens,
		})
		return err
	})
	require.NoError(t, err)

	assert.Contains(t, string(payload), `"ok"`)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "acme", gotHeader)
	assert.Equal(t, "local-model", gotBody["model"])
	assert.Equal(t, float64(512), gotBody["max_tokens"])
	assert.Equal(t, 0.9, gotBody["top_p"])
	assert.Equal(t, false, gotBody["stream"])
	assert.NotContains(t, gotBody, "temperature")
	assert.Len(t, gotBody["messages"], 2)
}

func TestSend_NoEndpoint(t *testing.T) {
	sender := direct.New(endpoint.NewStore(endpoint.Settings{}), direct.Config{}, nil)
	_, err := sender.Send(context.Background(), delivery.KindQuiet, twoMessages, delivery.SendOptions{})
	assert.ErrorIs(t, err, direct.ErrNoEndpoint)
}

func TestSend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not loaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sender := direct.New(endpoint.NewStore(endpoint.Settings{CustomURL: srv.URL}), direct.Config{}, nil)
	_, err := sender.Send(context.Background(), delivery.KindQuiet, twoMessages, delivery.SendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestParseExcludeBody(t *testing.T) {
	keys, err := direct.ParseExcludeBody("- a\n- b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	keys, err = direct.ParseExcludeBody("single")
	require.NoError(t, err)
	assert.Equal(t, []string{"single"}, keys)

	keys, err = direct.ParseExcludeBody("   ")
	require.NoError(t, err)
	assert.Nil(t, keys)

	_, err = direct.ParseExcludeBody("a: b")
	assert.Error(t, err)
}

func TestParseHeaders(t *testing.T) {
	h, err := direct.ParseHeaders("X-A: 1\nX-B: two")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-A": "1", "X-B": "two"}, h)

	_, err = direct.ParseHeaders("[unclosed")
	assert.Error(t, err)
}

func TestRegionFromHost(t *testing.T) {
	assert.Equal(t, "us-west-2", direct.RegionFromHost("bedrock-runtime.us-west-2.amazonaws.com"))
	assert.Equal(t, "eu-central-1", direct.RegionFromHost("bedrock-runtime.eu-central-1.amazonaws.com:443"))
	assert.Equal(t, "", direct.RegionFromHost("llm.local"))
	assert.True(t, direct.IsAWSHost("bedrock-runtime.us-east-1.amazonaws.com"))
	assert.False(t, direct.IsAWSHost("api.openai.com"))
}
