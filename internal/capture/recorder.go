package capture

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// subscriberBuffer bounds how far a live subscriber may lag before records
// are dropped for it.
const subscriberBuffer = 32

// Recorder is a bounded, most-recent-first capture history.
type Recorder struct {
	cfg    Config
	tokens *tokenCounter

	mu      sync.Mutex
	history []Record // newest first
	last    *Record
	subs    map[chan Record]struct{}
}

// NewRecorder creates a recorder; zero config fields take defaults.
func NewRecorder(cfg Config) *Recorder {
	cfg = cfg.withDefaults()
	r := &Recorder{
		cfg:  cfg,
		subs: make(map[chan Record]struct{}),
	}
	if cfg.EstimateTokens {
		r.tokens = &tokenCounter{}
	}
	return r
}

// Capacity returns the maximum number of records kept.
func (r *Recorder) Capacity() int { return r.cfg.Capacity }

// Record stores rec. It never panics and never blocks on subscribers.
func (r *Recorder) Record(rec Record) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn().Interface("panic", p).Msg("capture_record_failed")
		}
	}()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append([]Record{rec}, r.history...)
	if len(r.history) > r.cfg.Capacity {
		r.history = r.history[:r.cfg.Capacity]
	}
	last := rec
	r.last = &last

	for ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Last returns the most recent record.
func (r *Recorder) Last() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Record{}, false
	}
	return *r.last, true
}

// History returns a snapshot copy, newest first.
func (r *Recorder) History() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.history))
	copy(out, r.history)
	return out
}

// Clear empties the history. The last pointer is kept.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

// Subscribe returns a channel receiving every new record and a cancel func.
// A subscriber that falls behind misses records.
func (r *Recorder) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, subscriberBuffer)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
}
