package endpoint

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Store is the process-wide endpoint configuration.
type Store struct {
	mu      sync.RWMutex
	active  Settings
	current Settings

	// queue is a single-slot FIFO: one patch-run-restore cycle at a time.
	queue *semaphore.Weighted
}

// NewStore creates a store whose active settings are s.
func NewStore(s Settings) *Store {
	return &Store{active: s, current: s, queue: semaphore.NewWeighted(1)}
}

// Active returns the committed settings. Transient patches are never visible here.
func (s *Store) Active() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Current returns the settings in effect right now, including a patch
// applied by an in-flight WithPatch.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Replace commits new active settings. It waits for any in-flight patch.
func (s *Store) Replace(ctx context.Context, next Settings) error {
	if err := s.queue.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("endpoint configuration queue: %w", err)
	}
	defer s.queue.Release(1)

	s.mu.Lock()
	s.active = next
	s.current = next
	s.mu.Unlock()
	return nil
}

// WithPatch applies p, runs fn with the patched snapshot, then restores the
// previous settings verbatim, even when fn fails or panics. Calls are
// serialized in arrival order.
func (s *Store) WithPatch(ctx context.Context, p Patch, fn func(ctx context.Context, snapshot Settings) error) error {
	if err := s.queue.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("endpoint configuration queue: %w", err)
	}
	defer s.queue.Release(1)

	s.mu.Lock()
	saved := s.current
	patched := p.Apply(saved)
	s.current = patched
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current = saved
		s.mu.Unlock()
	}()

	return fn(ctx, patched)
}
