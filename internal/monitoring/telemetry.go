// Package monitoring - telemetry.go records adaptation events to a JSONL file.
//
// DESIGN: Tracker appends one AdaptationEvent per intercepted call (one JSON
// object per line). It is for analytics across sessions; the capture history
// is the in-memory, per-process view.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config  TelemetryConfig
	logPath string
	count   int
	mu      sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}
	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, err
	}
	t.logPath = cfg.LogPath
	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// RecordAdaptation records an intercepted call.
func (t *Tracker) RecordAdaptation(event *AdaptationEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		log.Info().
			Str("request_id", event.RequestID).
			Str("outcome", string(event.Outcome)).
			Int("attempts", event.Attempts).
			Int("status", event.StatusCode).
			Msg("telemetry")
	}

	if t.logPath != "" {
		if err := appendJSONL(t.logPath, event); err != nil {
			log.Error().Err(err).Str("path", t.logPath).Msg("telemetry: failed to write adaptation event")
		} else {
			t.count++
		}
	}
}

// Count returns the number of events written.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Close logs a session summary.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logPath != "" && t.count > 0 {
		log.Info().
			Str("path", t.logPath).
			Int("events", t.count).
			Msg("telemetry: session complete")
	}
	return nil
}
