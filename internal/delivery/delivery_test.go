package delivery_test

import (
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
	"go.uber.org/goleak"

	"github.com/compresr/role-splitter/internal/capture"
	"github.com/compresr/role-splitter/internal/chat"
	"github.com/compresr/role-splitter/internal/delivery"
	"github.com/compresr/role-splitter/internal/endpoint"
	"github.com/compresr/role-splitter/internal/monitoring"
	"github.com/compresr/role-splitter/internal/prompt"
)

// =============================================================================
// HELPERS
// =============================================================================

const canonical = `{"choices":[{"message":{"role":"assistant","content":"a summary"},"finish_reason":"stop"}]}`

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func reply(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// scripted is one canned upstream answer.
type scripted struct {
	status int
	body   string
}

// upstream answers with the scripted responses in order, repeating the last
// one, and records bodies. Every call gets a fresh response body.
type upstream struct {
	mu     sync.Mutex
	script []scripted
	bodies []string
}

func (u *upstream) RoundTrip(r *http.Request) (*http.Response, error) {
	b, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bodies = append(u.bodies, string(b))
	i := len(u.bodies) - 1
	if i >= len(u.script) {
		i = len(u.script) - 1
	}
	return reply(u.script[i].status, u.script[i].body), nil
}

var testSplit = prompt.Split{
	Instructions: "Summarize the transcript.",
	Data:         "=== CHAT HISTORY ===\nhello there",
	Marker:       "=== CHAT HISTORY ===",
}

func jobBody(extra string) []byte {
	return []byte(`{"messages":[{"role":"system","content":"Summarize the transcript."},{"role":"user","content":"=== CHAT HISTORY ===\nhello there"}],"max_tokens":4000,"stream":false` + extra + `}`)
}

func newJob(t *testing.T, body []byte) delivery.Job {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://host.local/api/backends/chat-completions/generate", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set(prompt.HeaderPromptOrigin, "summarize")
	return delivery.Job{RequestID: "req-1", Request: req, Body: body, Split: testSplit}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newEngine(cfg delivery.Config, store *endpoint.Store, next http.RoundTripper, ch delivery.Channel) (*delivery.Engine, *capture.Recorder) {
	rec := capture.NewRecorder(capture.Config{Capacity: 50})
	return delivery.NewEngine(cfg, delivery.Deps{
		Store:    store,
		Next:     next,
		Channel:  ch,
		Recorder: rec,
		Metrics:  monitoring.NewMetricsCollector(),
		Alerts:   monitoring.NewAlertManager(monitoring.Nop(), monitoring.AlertConfig{}),
		Sleep:    noSleep,
	}), rec
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// =============================================================================
// RETRY POLICY
// =============================================================================

func TestTokenCandidates(t *testing.T) {
	assert.Equal(t, []int{4000, 2048, 1024, 768, 512}, delivery.TokenCandidates(4000, delivery.DefaultTokenSteps, 5))
	assert.Equal(t, []int{300}, delivery.TokenCandidates(300, delivery.DefaultTokenSteps, 5))
	assert.Equal(t, []int{2048, 1024, 768}, delivery.TokenCandidates(2048, delivery.DefaultTokenSteps, 3))
	assert.Equal(t, []int{1000, 768, 512}, delivery.TokenCandidates(1000, delivery.DefaultTokenSteps, 5))
}

func TestIsRetryable(t *testing.T) {
	tokens := delivery.DefaultRetryTokens
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"5xx", 503, `{}`, true},
		{"rate limit message", 200, `{"error":{"message":"Rate limit exceeded"}}`, true},
		{"gateway in string error", 400, `{"error":"Bad Gateway from upstream"}`, true},
		{"overloaded", 429, `{"error":{"message":"Model is OVERLOADED"}}`, true},
		{"plain 400", 400, `{"error":{"message":"invalid model"}}`, false},
		{"success", 200, canonical, false},
		{"not json", 404, `not found`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, delivery.IsRetryable(tt.status, []byte(tt.body), tokens))
		})
	}
}

// =============================================================================
// VARIANTS
// =============================================================================

func TestBuildVariants_DeduplicatesAndCaps(t *testing.T) {
	body := jobBody(`,"custom_url":"http://a.local/v1"`)

	// Active configuration matches the body: active_config duplicates split.
	vs := delivery.BuildVariants(body, testSplit, endpoint.Settings{CustomURL: "http://a.local/v1"}, delivery.Config{MaxVariants: 4})
	require.Len(t, vs, 2)
	assert.Equal(t, delivery.VariantSplit, vs[0].Name)
	assert.Equal(t, delivery.VariantMerged, vs[1].Name)

	msgs := chat.Messages(vs[1].Body)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, testSplit.Instructions+"\n\n"+testSplit.Data, msgs[0].Content)

	// Different active endpoint: default cap keeps split + active_config.
	vs = delivery.BuildVariants(body, testSplit, endpoint.Settings{CustomURL: "http://b.local/v1", CustomModelID: "m2"}, delivery.Config{})
	require.Len(t, vs, 2)
	assert.Equal(t, delivery.VariantActiveConfig, vs[1].Name)
	assert.Equal(t, "http://b.local/v1", gjson.GetBytes(vs[1].Body, "custom_url").String())
	assert.Equal(t, "m2", gjson.GetBytes(vs[1].Body, "custom_model_id").String())
}

func TestBuildVariants_Chunked(t *testing.T) {
	split := prompt.Split{
		Instructions: "Summarize.",
		Data:         "=== CHAT HISTORY ===\n" + strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 30) + "\n\n" + strings.Repeat("c", 30),
	}
	vs := delivery.BuildVariants(jobBody(""), split, endpoint.Settings{}, delivery.Config{
		MaxVariants:    4,
		ChunkThreshold: 50,
		ChunkMaxChars:  70,
	})

	var chunked *delivery.Variant
	for i := range vs {
		if vs[i].Name == delivery.VariantChunked {
			chunked = &vs[i]
		}
	}
	require.NotNil(t, chunked)
	msgs := chat.Messages(chunked.Body)
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.RoleSystem, msgs[0].Role)
	assert.Equal(t, chat.RoleUser, msgs[1].Role)
	assert.Equal(t, chat.RoleUser, msgs[2].Role)
}

func TestChunkParagraphs(t *testing.T) {
	text := "one\n\ntwo\n  \nthree\n\n" + strings.Repeat("x", 20)

	chunks := delivery.ChunkParagraphs(text, 10)
	assert.Equal(t, []string{"one\n\ntwo", "three", strings.Repeat("x", 20)}, chunks)

	assert.Equal(t, []string{"one two"}, delivery.ChunkParagraphs("one two", 3), "a paragraph is never split")
	assert.Empty(t, delivery.ChunkParagraphs("  \n\n  ", 10))
}

// =============================================================================
// TRANSPORT CHANNEL
// =============================================================================

func TestTransport_RetryOn503UsesNextTokenStep(t *testing.T) {
	up := &upstream{script: []scripted{{503, `{"error":{"message":"busy"}}`}, {200, canonical}}}
	eng, rec := newEngine(delivery.Config{}, endpoint.NewStore(endpoint.Settings{}), up, nil)

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody("")))
	require.NoError(t, err)

	assert.Equal(t, 200, res.Response.StatusCode)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, up.bodies, 2)
	assert.Equal(t, int64(4000), gjson.Get(up.bodies[0], "max_tokens").Int())
	assert.Equal(t, int64(2048), gjson.Get(up.bodies[1], "max_tokens").Int())
	assert.Len(t, rec.History(), 2)
}

func TestTransport_CeilingReturnsLastResponse(t *testing.T) {
	up := &upstream{script: []scripted{{503, `{"error":{"message":"still busy"}}`}}}
	eng, _ := newEngine(delivery.Config{}, endpoint.NewStore(endpoint.Settings{}), up, nil)

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody("")))
	require.NoError(t, err)

	assert.Len(t, up.bodies, delivery.DefaultAttemptCeiling)
	assert.Equal(t, 503, res.Response.StatusCode)
	assert.JSONEq(t, `{"error":{"message":"still busy"}}`, readBody(t, res.Response))
}

func TestTransport_ProviderErrorBecomesBadGateway(t *testing.T) {
	payload := `{"error":{"message":"Rate limit exceeded"}}`
	up := &upstream{script: []scripted{{200, payload}}}
	eng, _ := newEngine(delivery.Config{}, endpoint.NewStore(endpoint.Settings{}), up, nil)

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody("")))
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadGateway, res.Response.StatusCode)
	assert.JSONEq(t, payload, readBody(t, res.Response))
	assert.Len(t, up.bodies, delivery.DefaultAttemptCeiling)
}

func TestTransport_NonRetryableMovesToNextVariant(t *testing.T) {
	up := &upstream{script: []scripted{{400, `{"error":{"message":"unknown field"}}`}, {200, canonical}}}
	store := endpoint.NewStore(endpoint.Settings{CustomURL: "http://active.local/v1"})
	eng, _ := newEngine(delivery.Config{}, store, up, nil)

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody(`,"custom_url":"http://stale.local/v1"`)))
	require.NoError(t, err)

	assert.Equal(t, delivery.VariantActiveConfig, res.Variant)
	require.Len(t, up.bodies, 2)
	assert.Equal(t, "http://active.local/v1", gjson.Get(up.bodies[1], "custom_url").String())
	assert.Equal(t, int64(4000), gjson.Get(up.bodies[1], "max_tokens").Int(), "a new variant starts at the original budget")
}

func TestTransport_NormalizesSuccess(t *testing.T) {
	up := &upstream{script: []scripted{{200, `{"id":"x","output_text":"hello"}`}}}
	eng, _ := newEngine(delivery.Config{}, endpoint.NewStore(endpoint.Settings{}), up, nil)

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody("")))
	require.NoError(t, err)

	body := readBody(t, res.Response)
	assert.True(t, res.Normalized)
	assert.Equal(t, "hello", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "x", gjson.Get(body, "id").String())
	assert.Equal(t, int64(len(body)), res.Response.ContentLength)
}

func TestTransport_StripsOriginHeader(t *testing.T) {
	var seen http.Header
	next := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = r.Header.Clone()
		return reply(200, canonical), nil
	})
	eng, _ := newEngine(delivery.Config{}, endpoint.NewStore(endpoint.Settings{}), next, nil)

	_, err := eng.Deliver(context.Background(), newJob(t, jobBody("")))
	require.NoError(t, err)
	assert.Empty(t, seen.Get(prompt.HeaderPromptOrigin))
}

func TestTransport_NoResponse(t *testing.T) {
	calls := 0
	next := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	eng, rec := newEngine(delivery.Config{}, endpoint.NewStore(endpoint.Settings{}), next, nil)

	_, err := eng.Deliver(context.Background(), newJob(t, jobBody("")))
	require.ErrorIs(t, err, delivery.ErrNoResponse)
	assert.Equal(t, delivery.DefaultAttemptCeiling, calls)

	last, ok := rec.Last()
	require.True(t, ok)
	require.NotNil(t, last.Error)
	assert.Contains(t, last.Error.Message, "connection refused")
}

func TestTransport_BackoffSchedule(t *testing.T) {
	up := &upstream{script: []scripted{{500, `{}`}}}
	var waits []time.Duration
	eng := delivery.NewEngine(delivery.Config{}, delivery.Deps{
		Store: endpoint.NewStore(endpoint.Settings{}),
		Next:  up,
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	})

	_, err := eng.Deliver(context.Background(), newJob(t, jobBody("")))
	require.NoError(t, err)
	assert.Equal(t, delivery.DefaultBackoff[:3], waits)
}

func TestTransport_CancelledContextStopsBackoff(t *testing.T) {
	up := &upstream{script: []scripted{{500, `{}`}}}
	eng := delivery.NewEngine(delivery.Config{}, delivery.Deps{
		Store: endpoint.NewStore(endpoint.Settings{}),
		Next:  up,
		Sleep: func(context.Context, time.Duration) error { return context.Canceled },
	})

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody("")))
	require.NoError(t, err)
	assert.Equal(t, 500, res.Response.StatusCode)
	assert.Len(t, up.bodies, 1)
}

// =============================================================================
// IN-PROCESS CHANNEL
// =============================================================================

// channelFunc adapts a function to delivery.Channel.
type channelFunc func(ctx context.Context, kind string, messages []chat.Message, opts delivery.SendOptions) ([]byte, error)

func (f channelFunc) Send(ctx context.Context, kind string, messages []chat.Message, opts delivery.SendOptions) ([]byte, error) {
	return f(ctx, kind, messages, opts)
}

func failingTransport(t *testing.T) http.RoundTripper {
	return roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Error("transport must not be used")
		return nil, errors.New("unexpected")
	})
}

func TestInProcess_ShortCircuitsTransport(t *testing.T) {
	store := endpoint.NewStore(endpoint.Settings{Stream: true, WebSearch: true})
	ch := channelFunc(func(_ context.Context, kind string, msgs []chat.Message, opts delivery.SendOptions) ([]byte, error) {
		cur := store.Current()
		assert.Equal(t, delivery.KindQuiet, kind)
		assert.Equal(t, "http://a.local/v1", cur.CustomURL)
		assert.False(t, cur.Stream)
		assert.False(t, cur.WebSearch)
		assert.Equal(t, 4000, opts.MaxTokens)
		require.Len(t, msgs, 2)
		assert.Equal(t, chat.RoleSystem, msgs[0].Role)
		return []byte(`{"content":[{"text":"a summary"}]}`), nil
	})
	eng, rec := newEngine(delivery.Config{InProcess: true}, store, failingTransport(t), ch)

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody(`,"custom_url":"http://a.local/v1"`)))
	require.NoError(t, err)

	assert.Equal(t, capture.ChannelInProcess, res.Channel)
	assert.Equal(t, "a summary", gjson.Get(readBody(t, res.Response), "choices.0.message.content").String())
	assert.True(t, store.Current().Stream, "settings restored after the send")

	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, capture.ChannelInProcess, last.Channel)
}

func TestInProcess_TriesCandidatesInOrder(t *testing.T) {
	store := endpoint.NewStore(endpoint.Settings{CustomURL: "http://active.local/v1"})
	var seen []string
	ch := channelFunc(func(context.Context, string, []chat.Message, delivery.SendOptions) ([]byte, error) {
		url := store.Current().CustomURL
		seen = append(seen, url)
		if url == "http://request.local/v1" {
			return []byte(`{"error":{"message":"model not found"}}`), nil
		}
		return []byte(canonical), nil
	})
	eng, rec := newEngine(delivery.Config{InProcess: true}, store, failingTransport(t), ch)

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody(`,"custom_url":"http://request.local/v1"`)))
	require.NoError(t, err)

	assert.Equal(t, []string{"http://request.local/v1", "http://active.local/v1"}, seen)
	assert.Equal(t, delivery.VariantActiveConfig, res.Variant)
	assert.Len(t, rec.History(), 2)
	assert.Equal(t, "http://active.local/v1", store.Active().CustomURL)
}

func TestInProcess_SameEndpointTriedOnce(t *testing.T) {
	store := endpoint.NewStore(endpoint.Settings{CustomURL: "http://a.local/v1"})
	calls := 0
	ch := channelFunc(func(context.Context, string, []chat.Message, delivery.SendOptions) ([]byte, error) {
		calls++
		return nil, errors.New("endpoint down")
	})
	up := &upstream{script: []scripted{{200, canonical}}}
	eng, _ := newEngine(delivery.Config{InProcess: true}, store, up, ch)

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody(`,"custom_url":"http://a.local/v1"`)))
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, capture.ChannelTransport, res.Channel, "in-process failure falls through to the transport")
}

func TestInProcess_PanicFallsThrough(t *testing.T) {
	ch := channelFunc(func(context.Context, string, []chat.Message, delivery.SendOptions) ([]byte, error) {
		panic("boom")
	})
	up := &upstream{script: []scripted{{200, canonical}}}
	eng, _ := newEngine(delivery.Config{InProcess: true}, endpoint.NewStore(endpoint.Settings{}), up, ch)

	res, err := eng.Deliver(context.Background(), newJob(t, jobBody("")))
	require.NoError(t, err)
	assert.Equal(t, capture.ChannelTransport, res.Channel)
}

func TestInProcess_ConcurrentPatchesAreIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := endpoint.NewStore(endpoint.Settings{CustomURL: "http://active.local/v1"})
	ch := channelFunc(func(context.Context, string, []chat.Message, delivery.SendOptions) ([]byte, error) {
		url := store.Current().CustomURL
		time.Sleep(5 * time.Millisecond)
		// The patch must still be ours after yielding.
		if store.Current().CustomURL != url {
			return nil, errors.New("configuration changed mid-send")
		}
		return []byte(`{"choices":[{"message":{"role":"assistant","content":"` + url + `"}}]}`), nil
	})
	eng, _ := newEngine(delivery.Config{InProcess: true}, store, failingTransport(t), ch)

	urls := []string{"http://x.local/v1", "http://y.local/v1", "http://x.local/v1", "http://y.local/v1"}
	got := make([]string, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			res, err := eng.Deliver(context.Background(), newJob(t, jobBody(`,"custom_url":"`+u+`"`)))
			if !assert.NoError(t, err) {
				return
			}
			b, _ := io.ReadAll(res.Response.Body)
			got[i] = gjson.GetBytes(b, "choices.0.message.content").String()
		}(i, u)
	}
	wg.Wait()

	assert.Equal(t, urls, got)
	assert.Equal(t, "http://active.local/v1", store.Current().CustomURL)
}
