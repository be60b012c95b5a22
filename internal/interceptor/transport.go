// Package interceptor adapts single-block chat prompts on their way out.
//
// DESIGN: Transport is an http.RoundTripper middleware. Every call flows:
//
//	classify → split → enrich → deliver
//
// Any call that is not a recognized single-block prompt is forwarded with
// identical method, URL, headers and body. Any failure inside adaptation
// (including a panic) replays the original request unmodified: the caller
// always gets a response from either the adapted or the original call.
package interceptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/compresr/role-splitter/internal/capture"
	"github.com/compresr/role-splitter/internal/delivery"
	"github.com/compresr/role-splitter/internal/enrich"
	"github.com/compresr/role-splitter/internal/monitoring"
	"github.com/compresr/role-splitter/internal/prompt"
)

// HeaderRequestID carries the request ID between stages.
const HeaderRequestID = "X-Request-ID"

// MaxRequestBodySize is the largest declared body considered for adaptation.
const MaxRequestBodySize = 50 * 1024 * 1024

// Deps are the pipeline stages and observers. Classifier, Splitter,
// Enricher and Engine are required.
type Deps struct {
	Classifier *prompt.Classifier
	Splitter   *prompt.Splitter
	Enricher   *enrich.Enricher
	Engine     *delivery.Engine
	Metrics    *monitoring.MetricsCollector
	Alerts     *monitoring.AlertManager
	RequestLog *monitoring.RequestLogger
	Tracker    *monitoring.Tracker
}

// Transport is the intercepting RoundTripper.
type Transport struct {
	next http.RoundTripper
	deps Deps
}

// New wraps next. next is also the fallback transport of the delivery engine.
func New(next http.RoundTripper, deps Deps) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	if deps.RequestLog == nil {
		deps.RequestLog = monitoring.NewRequestLogger(monitoring.Nop())
	}
	return &Transport{next: next, deps: deps}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil || req.Method != http.MethodPost || req.ContentLength > MaxRequestBodySize ||
		!t.deps.Classifier.MatchesPath(req.URL.String()) {
		return t.next.RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	ev := &monitoring.AdaptationEvent{
		RequestID: requestID(req),
		Timestamp: time.Now(),
		Method:    req.Method,
		Path:      req.URL.Path,
	}
	defer func() {
		ev.TotalLatencyMs = time.Since(ev.Timestamp).Milliseconds()
		if t.deps.Metrics != nil {
			t.deps.Metrics.RecordOutcome(ev.Outcome)
		}
		t.deps.Tracker.RecordAdaptation(ev)
	}()

	resp, pass, err := t.adapt(req, body, ev)
	switch {
	case err != nil:
		ev.Outcome = monitoring.OutcomeFailOpen
		ev.Error = err.Error()
		if t.deps.Alerts != nil {
			t.deps.Alerts.FlagFailOpen(ev.RequestID, err)
		}
		resp, err = t.next.RoundTrip(withBody(req, body))
	case pass:
		resp, err = t.next.RoundTrip(withBody(req, body))
	}
	if resp != nil {
		ev.StatusCode = resp.StatusCode
		if t.deps.Alerts != nil {
			t.deps.Alerts.FlagHighLatency(ev.RequestID, time.Since(ev.Timestamp), ev.Path)
		}
	}
	return resp, err
}

// adapt runs the pipeline. pass=true means the original request should be
// forwarded unmodified; a non-nil error means adaptation failed.
func (t *Transport) adapt(req *http.Request, body []byte, ev *monitoring.AdaptationEvent) (resp *http.Response, pass bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			stack := string(debug.Stack())
			if t.deps.Alerts != nil {
				t.deps.Alerts.FlagPanic(ev.RequestID, p, stack)
			}
			resp, pass, err = nil, false, fmt.Errorf("adaptation panic: %v", p)
		}
	}()

	ctx := req.Context()
	origin := prompt.OriginFromContext(ctx)
	if origin == "" {
		origin = req.Header.Get(prompt.HeaderPromptOrigin)
	}

	cls, ok := t.deps.Classifier.Classify(req.Method, req.URL.String(), body, prompt.Evidence{Origin: origin})
	if !ok {
		return t.passthrough(ev, monitoring.OutcomePassthrough, "not a single-block prompt")
	}
	ev.MarkerKind, ev.Marker = string(cls.Kind), cls.Marker
	t.deps.RequestLog.LogClassified(ev.RequestID, string(cls.Kind), cls.Marker)

	split, err := t.deps.Splitter.Split(cls.Content)
	switch {
	case errors.Is(err, prompt.ErrSplitRejected):
		return t.passthrough(ev, monitoring.OutcomeSplitRejected, err.Error())
	case errors.Is(err, prompt.ErrNoBoundary):
		return t.passthrough(ev, monitoring.OutcomePassthrough, err.Error())
	case err != nil:
		return nil, false, err
	}
	ev.InstructionLen, ev.DataLen = len(split.Instructions), len(split.Data)
	t.deps.RequestLog.LogSplit(ev.RequestID, len(split.Instructions), len(split.Data))

	adapted, err := t.deps.Enricher.Enrich(body, split)
	if err != nil {
		return nil, false, fmt.Errorf("enrich: %w", err)
	}

	res, err := t.deps.Engine.Deliver(ctx, delivery.Job{
		RequestID: ev.RequestID,
		Request:   withBody(req, body),
		Body:      adapted,
		Split:     split,
	})
	if err != nil {
		return nil, false, fmt.Errorf("deliver: %w", err)
	}

	ev.Attempts, ev.Variant, ev.Normalized = res.Attempts, res.Variant, res.Normalized
	ev.Outcome = monitoring.OutcomeTransport
	if res.Channel == capture.ChannelInProcess {
		ev.Outcome = monitoring.OutcomeInProcess
	}
	return res.Response, false, nil
}

func (t *Transport) passthrough(ev *monitoring.AdaptationEvent, outcome monitoring.Outcome, reason string) (*http.Response, bool, error) {
	ev.Outcome = outcome
	t.deps.RequestLog.LogPassthrough(ev.RequestID, outcome, reason)
	return nil, true, nil
}

// withBody returns a shallow clone of req carrying body.
func withBody(req *http.Request, body []byte) *http.Request {
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.ContentLength = int64(len(body))
	return out
}

func requestID(req *http.Request) string {
	if id := monitoring.RequestIDFromContext(req.Context()); id != "" {
		return id
	}
	if id := req.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}
