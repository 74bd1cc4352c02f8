// Package pending tracks delivery IDs of messages sent by the platform
// itself, so the echo of an own send coming back through the event
// stream is not mistaken for operator takeover.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL bounds how long a delivery ID stays claimable. Echoes
// normally arrive within a second; anything later is treated as not
// ours.
const DefaultTTL = 30 * time.Second

// Set is an in-memory expiring set of delivery IDs.
type Set struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewSet creates an empty set. A zero ttl falls back to DefaultTTL.
func NewSet(ttl time.Duration, logger *slog.Logger) *Set {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Set{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

// Register claims a delivery ID before the send goes out.
func (s *Set) Register(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = s.now().Add(s.ttl)
}

// Remove drops a claim, used when the send itself failed and no echo
// will ever arrive.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Consume reports whether the ID was registered and still fresh, and
// removes it either way. Each claim matches at most one echo.
func (s *Set) Consume(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	return s.now().Before(deadline)
}

// Len returns the number of live claims, counting expired ones that
// have not been swept yet.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps expired claims until the context is cancelled. Sends that
// never echo back (delivery to a dead number, for example) would
// otherwise leak entries.
func (s *Set) Run(ctx context.Context) {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				s.logger.Debug("pending: swept expired claims", "count", n)
			}
		}
	}
}

func (s *Set) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, deadline := range s.entries {
		if now.After(deadline) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}
