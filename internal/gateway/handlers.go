// Diagnostic surface handlers.
//
// DESIGN: Everything under /_gateway/ is served locally, never proxied:
//   - GET    /_gateway/health           Liveness
//   - GET    /_gateway/stats            Counters from MetricsCollector
//   - GET    /_gateway/captures/last    Most recent delivery attempt
//   - GET    /_gateway/captures         History snapshot, newest first
//   - DELETE /_gateway/captures         Clear history
//   - GET    /_gateway/captures/stream  Live attempts over websocket (stream.go)
//   - GET    /_gateway/endpoint         Active endpoint configuration (key redacted)
//   - PUT    /_gateway/endpoint         Replace the active endpoint configuration
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/role-splitter/internal/capture"
	"github.com/compresr/role-splitter/internal/endpoint"
)

// maxEndpointBody bounds PUT /_gateway/endpoint bodies.
const maxEndpointBody = 1 << 20

func (g *Gateway) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /_gateway/health", g.handleHealth)
	mux.HandleFunc("GET /_gateway/stats", g.handleStats)
	mux.HandleFunc("GET /_gateway/captures/last", g.handleLastCapture)
	mux.HandleFunc("GET /_gateway/captures/stream", g.handleCaptureStream)
	mux.HandleFunc("GET /_gateway/captures", g.handleCaptures)
	mux.HandleFunc("DELETE /_gateway/captures", g.handleClearCaptures)
	mux.HandleFunc("GET /_gateway/endpoint", g.handleGetEndpoint)
	mux.HandleFunc("PUT /_gateway/endpoint", g.handlePutEndpoint)
	mux.HandleFunc(DebugPrefix, func(w http.ResponseWriter, _ *http.Request) {
		g.writeError(w, "not found", http.StatusNotFound)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := g.metrics.Stats()
	stats["captures"] = int64(len(g.recorder.History()))
	g.writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleLastCapture(w http.ResponseWriter, _ *http.Request) {
	rec, ok := g.recorder.Last()
	if !ok {
		g.writeError(w, "no capture recorded yet", http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

// captureList is the body of GET /_gateway/captures.
type captureList struct {
	Capacity int              `json:"capacity"`
	Captures []capture.Record `json:"captures"`
}

func (g *Gateway) handleCaptures(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, captureList{
		Capacity: g.recorder.Capacity(),
		Captures: g.recorder.History(),
	})
}

func (g *Gateway) handleClearCaptures(w http.ResponseWriter, _ *http.Request) {
	g.recorder.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetEndpoint(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.store.Active().Redacted())
}

func (g *Gateway) handlePutEndpoint(w http.ResponseWriter, r *http.Request) {
	var next endpoint.Settings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEndpointBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		g.writeError(w, "invalid endpoint settings: "+err.Error(), http.StatusBadRequest)
		return
	}

	// A redacted or omitted key means "keep the current one".
	if next.APIKey == "" || next.APIKey == endpoint.RedactedKey {
		next.APIKey = g.store.Active().APIKey
	}

	if err := g.store.Replace(r.Context(), next); err != nil {
		g.writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	log.Info().
		Str("custom_url", next.CustomURL).
		Str("custom_model_id", next.CustomModelID).
		Msg("endpoint configuration replaced")
	g.writeJSON(w, http.StatusOK, next.Redacted())
}
