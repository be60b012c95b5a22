package delivery

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/compresr/role-splitter/internal/capture"
	"github.com/compresr/role-splitter/internal/chat"
	"github.com/compresr/role-splitter/internal/endpoint"
	"github.com/compresr/role-splitter/internal/monitoring"
	"github.com/compresr/role-splitter/internal/prompt"
)

// ErrNoResponse is returned when no attempt produced any HTTP response.
var ErrNoResponse = errors.New("delivery: no response from any attempt")

// KindQuiet is the role tag used for in-process sends: a background
// generation that must not touch the visible conversation.
const KindQuiet = "quiet"

// =============================================================================
// COLLABORATORS
// =============================================================================

// SendOptions are the per-call options of the in-process channel.
type SendOptions struct {
	Temperature *float64
	MaxTokens   int
	Model       string
}

// Channel is the host's own request-sending facility. Implementations read
// the endpoint configuration in effect at call time (endpoint.Store.Current)
// and return the raw response payload.
type Channel interface {
	Send(ctx context.Context, kind string, messages []chat.Message, opts SendOptions) ([]byte, error)
}

// Deps are the engine collaborators. Store and Next are required; the rest
// are optional.
type Deps struct {
	Store      *endpoint.Store
	Next       http.RoundTripper
	Channel    Channel
	Recorder   *capture.Recorder
	Metrics    *monitoring.MetricsCollector
	Alerts     *monitoring.AlertManager
	RequestLog *monitoring.RequestLogger

	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// =============================================================================
// JOB / RESULT
// =============================================================================

// Job is one adapted request to deliver.
type Job struct {
	RequestID string
	Request   *http.Request // Original request; cloned for every transport attempt
	Body      []byte        // Enriched two-message body
	Split     prompt.Split
}

// Attempt describes one delivery attempt.
type Attempt struct {
	Channel    capture.Channel
	Index      int
	Variant    string
	TokenLimit int
	Status     int
	Err        error
	Latency    time.Duration
}

// Result is the outcome of a delivery.
type Result struct {
	Response   *http.Response
	Channel    capture.Channel
	Variant    string
	Attempts   int
	Normalized bool
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine delivers adapted requests.
type Engine struct {
	cfg  Config
	deps Deps
}

// NewEngine creates an engine; zero config fields take defaults.
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.Recorder == nil {
		deps.Recorder = capture.NewRecorder(capture.Config{})
	}
	return &Engine{cfg: cfg.WithDefaults(), deps: deps}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Deliver tries the in-process channel, then the fallback transport. It
// returns ErrNoResponse (possibly wrapped) when neither produced a response;
// callers then replay the original request.
func (e *Engine) Deliver(ctx context.Context, job Job) (*Result, error) {
	if e.cfg.InProcess && e.deps.Channel != nil {
		if res, ok := e.deliverInProcess(ctx, job); ok {
			return res, nil
		}
	}
	return e.deliverTransport(ctx, job)
}

// observe logs, counts and records one finished attempt.
func (e *Engine) observe(requestID string, a Attempt, reqSummary capture.RequestSummary, resp *capture.ResponseSummary) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.RecordAttempt(a.Index > 1)
	}
	if e.deps.RequestLog != nil {
		e.deps.RequestLog.LogAttempt(&monitoring.AttemptInfo{
			RequestID:  requestID,
			Channel:    string(a.Channel),
			Variant:    a.Variant,
			Attempt:    a.Index,
			TokenLimit: a.TokenLimit,
			StatusCode: a.Status,
			Err:        a.Err,
			Latency:    a.Latency,
		})
	}
	e.deps.Recorder.Record(capture.Record{
		RequestID: requestID,
		Channel:   a.Channel,
		Attempt:   a.Index,
		Variant:   a.Variant,
		Request:   reqSummary,
		Response:  resp,
		Error:     capture.SummarizeError(a.Err),
		Duration:  a.Latency,
	})
}
