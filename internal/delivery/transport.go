package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/compresr/role-splitter/internal/capture"
	"github.com/compresr/role-splitter/internal/chat"
	"github.com/compresr/role-splitter/internal/normalize"
	"github.com/compresr/role-splitter/internal/prompt"
)

// MaxResponseBytes bounds how much of an upstream response is buffered.
const MaxResponseBytes = 32 << 20

// received is a fully buffered upstream response.
type received struct {
	resp *http.Response
	body []byte
}

func (r *received) success() bool {
	return r.resp.StatusCode >= 200 && r.resp.StatusCode < 300
}

// deliverTransport replays the original call with body variants and
// decreasing token budgets until one succeeds or the attempt ceiling is hit.
func (e *Engine) deliverTransport(ctx context.Context, job Job) (*Result, error) {
	variants := BuildVariants(job.Body, job.Split, e.deps.Store.Active(), e.cfg)

	attempts := 0
	var last *received
	var lastVariant string
	var lastErr error

variants:
	for _, v := range variants {
		field, limit, hasLimit := chat.TokenLimit(v.Body)
		candidates := []int{0}
		if hasLimit {
			candidates = TokenCandidates(limit, e.cfg.TokenSteps, e.cfg.MaxTokenCandidates)
		}

		for ci, tokens := range candidates {
			if attempts >= e.cfg.AttemptCeiling {
				break variants
			}
			if attempts > 0 {
				if err := e.deps.Sleep(ctx, backoffDelay(e.cfg.Backoff, attempts)); err != nil {
					lastErr = err
					break variants
				}
			}

			body := v.Body
			if hasLimit && ci > 0 {
				var err error
				if body, err = chat.SetTokenLimit(v.Body, field, tokens); err != nil {
					lastErr = err
					break
				}
			}

			attempts++
			start := time.Now()
			got, err := e.send(ctx, job.Request, body)
			a := Attempt{
				Channel:    capture.ChannelTransport,
				Index:      attempts,
				Variant:    v.Name,
				TokenLimit: tokens,
				Err:        err,
				Latency:    time.Since(start),
			}

			var respSummary *capture.ResponseSummary
			if got != nil {
				a.Status = got.resp.StatusCode
				respSummary = e.deps.Recorder.SummarizeResponse(got.resp.StatusCode, got.resp.Header, got.body)
			}
			e.observe(job.RequestID, a, e.deps.Recorder.SummarizeRequest(job.Request.Header, body), respSummary)

			if err != nil {
				lastErr = err
				if ctx.Err() != nil {
					break variants
				}
				continue
			}

			last, lastVariant = got, v.Name
			providerMsg, providerErr := chat.ErrorMessage(got.body)
			if got.success() && !providerErr {
				return e.succeed(job, got, v.Name, attempts), nil
			}

			if e.deps.Alerts != nil {
				msg := providerMsg
				if msg == "" {
					msg = chat.Preview(string(got.body), 200)
				}
				e.deps.Alerts.FlagProviderError(job.RequestID, v.Name, got.resp.StatusCode, msg)
			}
			if !IsRetryable(got.resp.StatusCode, got.body, e.cfg.RetryTokens) {
				continue variants
			}
		}
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.RecordFailure()
	}
	if last == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoResponse, lastErr)
		}
		return nil, ErrNoResponse
	}
	if e.deps.Alerts != nil {
		e.deps.Alerts.FlagDeliveryExhausted(job.RequestID, attempts, last.resp.StatusCode)
	}

	res := &Result{Channel: capture.ChannelTransport, Variant: lastVariant, Attempts: attempts}
	if _, providerErr := chat.ErrorMessage(last.body); last.success() && providerErr {
		res.Response = syntheticResponse(job.Request, http.StatusBadGateway, last.body)
		return res, nil
	}
	res.Response = rebuild(last.resp, last.body)
	return res, nil
}

// succeed normalizes a successful response.
func (e *Engine) succeed(job Job, got *received, variant string, attempts int) *Result {
	body, changed := normalize.Normalize(got.body)
	if changed && e.deps.Metrics != nil {
		e.deps.Metrics.RecordNormalization()
	}
	return &Result{
		Response:   rebuild(got.resp, body),
		Channel:    capture.ChannelTransport,
		Variant:    variant,
		Attempts:   attempts,
		Normalized: changed,
	}
}

// send issues one transport attempt with body and buffers the response.
func (e *Engine) send(ctx context.Context, orig *http.Request, body []byte) (*received, error) {
	req := orig.Clone(ctx)
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	req.Header.Del("Content-Length")
	// Let the transport negotiate compression so the body can be parsed.
	req.Header.Del("Accept-Encoding")
	req.Header.Del(prompt.HeaderPromptOrigin)

	resp, err := e.deps.Next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return &received{resp: resp, body: data}, nil
}

// rebuild returns resp with body as its content.
func rebuild(resp *http.Response, body []byte) *http.Response {
	out := *resp
	out.Header = resp.Header.Clone()
	out.Header.Set("Content-Length", strconv.Itoa(len(body)))
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.TransferEncoding = nil
	return &out
}
