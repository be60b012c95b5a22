package interceptor_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/role-splitter/internal/capture"
	"github.com/compresr/role-splitter/internal/chat"
	"github.com/compresr/role-splitter/internal/delivery"
	"github.com/compresr/role-splitter/internal/endpoint"
	"github.com/compresr/role-splitter/internal/enrich"
	"github.com/compresr/role-splitter/internal/interceptor"
	"github.com/compresr/role-splitter/internal/monitoring"
	"github.com/compresr/role-splitter/internal/prompt"
)

const generateURL = "http://host.local/api/backends/chat-completions/generate"

// recorder is a fake upstream that remembers what it received.
type recorder struct {
	mu      sync.Mutex
	bodies  []string
	headers []http.Header
	handle  func(body string) (*http.Response, error)
}

func (r *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	var b []byte
	if req.Body != nil {
		b, _ = io.ReadAll(req.Body)
	}
	r.mu.Lock()
	r.bodies = append(r.bodies, string(b))
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()
	if r.handle != nil {
		return r.handle(string(b))
	}
	return ok(`{"choices":[{"message":{"role":"assistant","content":"done"}}]}`), nil
}

func ok(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTransport(next http.RoundTripper, metrics *monitoring.MetricsCollector) *interceptor.Transport {
	store := endpoint.NewStore(endpoint.Settings{CustomURL: "http://llm.local/v1"})
	cfg := prompt.Config{}
	engine := delivery.NewEngine(delivery.Config{}, delivery.Deps{
		Store:    store,
		Next:     next,
		Recorder: capture.NewRecorder(capture.Config{}),
		Metrics:  metrics,
		Sleep:    func(context.Context, time.Duration) error { return nil },
	})
	return interceptor.New(next, interceptor.Deps{
		Classifier: prompt.NewClassifier(cfg),
		Splitter:   prompt.NewSplitter(cfg),
		Enricher:   enrich.New(store, enrich.Defaults{UserName: "User"}, ""),
		Engine:     engine,
		Metrics:    metrics,
		Alerts:     monitoring.NewAlertManager(monitoring.Nop(), monitoring.AlertConfig{}),
	})
}

func post(t *testing.T, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer host-token")
	return req
}

const singleBlock = `{"chat_completion_source":"custom","max_tokens":300,"stream":true,` +
	`"messages":[{"role":"user","content":"Summarize the scene below.\n=== SCENE TRANSCRIPT ===\nAlice waves."}]}`

func TestRoundTrip_AdaptsSingleBlockPrompt(t *testing.T) {
	up := &recorder{}
	metrics := monitoring.NewMetricsCollector()
	tr := newTransport(up, metrics)

	resp, err := tr.RoundTrip(post(t, generateURL, singleBlock))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, up.bodies, 1)
	msgs := chat.Messages([]byte(up.bodies[0]))
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleSystem, msgs[0].Role)
	assert.Equal(t, "Summarize the scene below.", msgs[0].Content)
	assert.Equal(t, "=== SCENE TRANSCRIPT ===\nAlice waves.", msgs[1].Content)
	assert.False(t, gjson.Get(up.bodies[0], "stream").Bool())
	assert.Equal(t, "http://llm.local/v1", gjson.Get(up.bodies[0], "custom_url").String())
	assert.Equal(t, "Bearer host-token", up.headers[0].Get("Authorization"))

	assert.Equal(t, int64(1), metrics.Stats()["adapted"])
	assert.Equal(t, int64(1), metrics.Stats()["transport"])
}

func TestRoundTrip_PassthroughIsByteIdentical(t *testing.T) {
	tests := []struct {
		name string
		url  string
		body string
	}{
		{"other path", "http://host.local/api/characters/all", singleBlock},
		{"two messages", generateURL, `{"chat_completion_source":"custom",  "messages":[{"role":"system","content":"a"},{"role":"user","content":"=== SCENE TRANSCRIPT ===\nb"}]}`},
		{"hosted provider", generateURL, `{"chat_completion_source":"openai","messages":[{"role":"user","content":"x\n=== SCENE TRANSCRIPT ===\ny"}]}`},
		{"end marker only", generateURL, `{"chat_completion_source":"custom","messages":[{"role":"user","content":"Alice: hi\n=== END CHAT HISTORY ===\nNow summarize the chat above."}]}`},
		{"no marker", generateURL, `{"chat_completion_source":"custom","messages":[{"role":"user","content":"hello"}]}`},
		{"not json", generateURL, `{"messages":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &recorder{}
			tr := newTransport(up, monitoring.NewMetricsCollector())

			req := post(t, tt.url, tt.body)
			req.Header.Set("X-Custom", "kept")
			resp, err := tr.RoundTrip(req)
			require.NoError(t, err)
			resp.Body.Close()

			require.Len(t, up.bodies, 1)
			assert.Equal(t, tt.body, up.bodies[0])
			assert.Equal(t, "kept", up.headers[0].Get("X-Custom"))
		})
	}
}

func TestRoundTrip_MarkerAtStartPassesThrough(t *testing.T) {
	body := `{"chat_completion_source":"custom","messages":[{"role":"user","content":"=== SCENE TRANSCRIPT ===\nAlice waves."}]}`
	up := &recorder{}
	metrics := monitoring.NewMetricsCollector()
	tr := newTransport(up, metrics)

	resp, err := tr.RoundTrip(post(t, generateURL, body))
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, up.bodies, 1)
	assert.Equal(t, body, up.bodies[0])
	assert.Equal(t, int64(1), metrics.Stats()["split_rejected"])
}

func TestRoundTrip_GenericMarkerNeedsOrigin(t *testing.T) {
	body := `{"chat_completion_source":"custom","messages":[{"role":"user","content":"Write a recap.\n=== NOTES ===\nstuff"}]}`

	up := &recorder{}
	tr := newTransport(up, monitoring.NewMetricsCollector())
	resp, err := tr.RoundTrip(post(t, generateURL, body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, body, up.bodies[0])

	up = &recorder{}
	tr = newTransport(up, monitoring.NewMetricsCollector())
	req := post(t, generateURL, body)
	req = req.WithContext(prompt.WithOrigin(req.Context(), "summarize"))
	resp, err = tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, chat.Messages([]byte(up.bodies[0])), 2)
}

func TestRoundTrip_FailsOpenWhenDeliveryGetsNoResponse(t *testing.T) {
	// Only adapted bodies carry custom_url (filled in by enrichment).
	up := &recorder{handle: func(body string) (*http.Response, error) {
		if strings.Contains(body, "custom_url") {
			return nil, errors.New("connection reset")
		}
		return ok(`{"choices":[{"message":{"role":"assistant","content":"original"}}]}`), nil
	}}
	metrics := monitoring.NewMetricsCollector()
	tr := newTransport(up, metrics)

	resp, err := tr.RoundTrip(post(t, generateURL, singleBlock))
	require.NoError(t, err)
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "original")
	assert.Equal(t, singleBlock, up.bodies[len(up.bodies)-1])
	assert.Equal(t, int64(1), metrics.Stats()["fail_open"])
}

func TestRoundTrip_FailsOpenOnPanic(t *testing.T) {
	up := &recorder{handle: func(body string) (*http.Response, error) {
		if strings.Contains(body, `"role":"system"`) {
			panic("upstream exploded")
		}
		return ok(`{"choices":[{"message":{"role":"assistant","content":"original"}}]}`), nil
	}}
	tr := newTransport(up, monitoring.NewMetricsCollector())

	resp, err := tr.RoundTrip(post(t, generateURL, singleBlock))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, singleBlock, up.bodies[len(up.bodies)-1])
}

func TestRoundTrip_ProviderErrorSurfacesAsBadGateway(t *testing.T) {
	up := &recorder{handle: func(string) (*http.Response, error) {
		return ok(`{"error":{"message":"Rate limit exceeded"}}`), nil
	}}
	tr := newTransport(up, monitoring.NewMetricsCollector())

	resp, err := tr.RoundTrip(post(t, generateURL, singleBlock))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"error":{"message":"Rate limit exceeded"}}`, string(b))
	// max_tokens=300 has no smaller step: one attempt each for split and merged.
	assert.Len(t, up.bodies, 2)
}

func TestRoundTrip_NonPostUntouched(t *testing.T) {
	up := &recorder{}
	tr := newTransport(up, monitoring.NewMetricsCollector())

	req, err := http.NewRequest(http.MethodGet, generateURL, bytes.NewReader(nil))
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, up.bodies, 1)
}
