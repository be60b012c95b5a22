package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/compresr/role-splitter/internal/capture"
	"github.com/compresr/role-splitter/internal/chat"
	"github.com/compresr/role-splitter/internal/endpoint"
	"github.com/compresr/role-splitter/internal/normalize"
)

// errUnusable marks an in-process result without assistant text.
var errUnusable = errors.New("in-process result has no assistant text")

// patchCandidate is one configuration to try on the in-process channel.
type patchCandidate struct {
	name  string
	patch endpoint.Patch
}

// patchCandidates returns the request-derived patch, followed by the active
// configuration when it targets a different endpoint.
func (e *Engine) patchCandidates(body []byte) []patchCandidate {
	fromRequest := requestPatch(body)

	fromActive := endpoint.PatchFrom(e.deps.Store.Active())
	fromActive.Temperature = fromRequest.Temperature
	fromActive.MaxTokens = fromRequest.MaxTokens

	out := []patchCandidate{{name: "request", patch: fromRequest}}
	if !fromRequest.SameEndpoint(fromActive) {
		out = append(out, patchCandidate{name: VariantActiveConfig, patch: fromActive})
	}
	return out
}

// requestPatch derives a patch from the endpoint fields of a body.
func requestPatch(body []byte) endpoint.Patch {
	p := endpoint.Patch{
		CustomURL:      chat.String(body, chat.FieldCustomURL),
		CustomModelID:  chat.String(body, chat.FieldCustomModelID),
		IncludeBody:    chat.String(body, chat.FieldCustomIncludeBody),
		ExcludeBody:    chat.String(body, chat.FieldCustomExcludeBody),
		IncludeHeaders: chat.String(body, chat.FieldCustomIncludeHeaders),
	}
	if p.CustomModelID == "" {
		p.CustomModelID = chat.String(body, chat.FieldModel)
	}
	if t := gjson.GetBytes(body, chat.FieldTemperature); t.Type == gjson.Number {
		v := t.Float()
		p.Temperature = &v
	}
	if _, limit, ok := chat.TokenLimit(body); ok {
		p.MaxTokens = limit
	}
	return p
}

// deliverInProcess tries each patch candidate in order. Failures are recorded
// and reported as ok=false, never returned.
func (e *Engine) deliverInProcess(ctx context.Context, job Job) (*Result, bool) {
	messages := chat.Messages(job.Body)

	for i, cand := range e.patchCandidates(job.Body) {
		var payload []byte
		start := time.Now()

		err := e.deps.Store.WithPatch(ctx, cand.patch, func(ctx context.Context, snapshot endpoint.Settings) error {
			opts := SendOptions{MaxTokens: snapshot.MaxTokens, Model: snapshot.CustomModelID}
			if cand.patch.Temperature != nil {
				t := snapshot.Temperature
				opts.Temperature = &t
			}
			var sendErr error
			payload, sendErr = e.sendRecovered(ctx, messages, opts)
			return sendErr
		})
		if err == nil {
			err = usable(payload)
		}

		a := Attempt{
			Channel:    capture.ChannelInProcess,
			Index:      i + 1,
			Variant:    cand.name,
			TokenLimit: cand.patch.MaxTokens,
			Err:        err,
			Latency:    time.Since(start),
		}
		var respSummary *capture.ResponseSummary
		if payload != nil {
			a.Status = http.StatusOK
			respSummary = e.deps.Recorder.SummarizeResponse(http.StatusOK, nil, payload)
		}
		e.observe(job.RequestID, a, e.deps.Recorder.SummarizeRequest(nil, job.Body), respSummary)

		if err != nil {
			if e.deps.Alerts != nil {
				e.deps.Alerts.FlagProviderError(job.RequestID, cand.name, a.Status, err.Error())
			}
			if ctx.Err() != nil {
				return nil, false
			}
			continue
		}

		normalized, changed := normalize.Normalize(payload)
		if changed && e.deps.Metrics != nil {
			e.deps.Metrics.RecordNormalization()
		}
		return &Result{
			Response:   syntheticResponse(job.Request, http.StatusOK, normalized),
			Channel:    capture.ChannelInProcess,
			Variant:    cand.name,
			Attempts:   i + 1,
			Normalized: changed,
		}, true
	}
	return nil, false
}

// sendRecovered calls the channel and turns a panic into an error.
func (e *Engine) sendRecovered(ctx context.Context, messages []chat.Message, opts SendOptions) (payload []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("in-process channel panic: %v", p)
		}
	}()
	return e.deps.Channel.Send(ctx, KindQuiet, messages, opts)
}

// usable rejects payloads that encode a provider error or carry no text.
func usable(payload []byte) error {
	if msg, isErr := chat.ErrorMessage(payload); isErr {
		return fmt.Errorf("provider error: %s", msg)
	}
	if _, ok := normalize.AssistantText(payload); !ok {
		return errUnusable
	}
	return nil
}

// syntheticResponse builds a JSON response for req.
func syntheticResponse(req *http.Request, status int, body []byte) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
