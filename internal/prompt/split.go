package prompt

import (
	"errors"
	"strings"
)

var (
	// ErrNoBoundary means no known or generic marker was found.
	ErrNoBoundary = errors.New("no section boundary found")
	// ErrSplitRejected means a segment was empty after trimming.
	ErrSplitRejected = errors.New("split rejected: empty segment")
)

// Split is a single-block prompt partitioned at its boundary marker.
// The marker is the first token of Data.
type Split struct {
	Instructions string
	Data         string
	Marker       string
}

// Splitter partitions concatenated prompts.
type Splitter struct {
	markers []string
	closers map[string]bool
}

// NewSplitter creates a splitter over the configured start markers. End
// markers close a data section and are never split points.
func NewSplitter(cfg Config) *Splitter {
	cfg = cfg.WithDefaults()
	closers := make(map[string]bool, len(cfg.EndMarkers))
	for _, m := range cfg.EndMarkers {
		closers[strings.TrimSpace(m)] = true
	}
	return &Splitter{markers: cfg.StartMarkers, closers: closers}
}

// Split finds the boundary and partitions content around it.
//
// Known markers are tried in list order (not by position). Without one, the
// first generic "=== LABEL ===" line after position 0 that is not an end
// marker is used. A boundary at position 0 has no instructions to split
// against and is rejected.
func (s *Splitter) Split(content string) (Split, error) {
	idx, marker := s.boundary(content)
	if idx < 0 {
		return Split{}, ErrNoBoundary
	}
	if idx == 0 {
		return Split{}, ErrSplitRejected
	}

	out := Split{
		Instructions: strings.TrimSpace(content[:idx]),
		Data:         strings.TrimSpace(content[idx:]),
		Marker:       marker,
	}
	if out.Instructions == "" || out.Data == "" {
		return Split{}, ErrSplitRejected
	}
	return out, nil
}

func (s *Splitter) boundary(content string) (int, string) {
	for _, m := range s.markers {
		if m == "" {
			continue
		}
		if idx := strings.Index(content, m); idx >= 0 {
			return idx, m
		}
	}
	for _, loc := range genericMarker.FindAllStringIndex(content, -1) {
		label := strings.TrimSpace(content[loc[0]:loc[1]])
		if loc[0] > 0 && !s.closers[label] {
			return loc[0], label
		}
	}
	return -1, ""
}
