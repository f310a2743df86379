// Package replay provides a time-windowed seen-ID cache used to reject
// stale or duplicate VRF challenges and re-used device-linking QR payloads.
package replay

import (
	"sync"
	"time"

	"github.com/web3-authn/tatchi-sub013/internal/logging"
)

// Protection tracks identifiers seen within a sliding time window and
// rejects re-use within that window.
type Protection struct {
	window  time.Duration
	maxSize int

	mu     sync.RWMutex
	seen   map[string]time.Time
	logger *logging.Logger
}

// New creates a Protection remembering IDs for window (default 5m if <= 0).
// logger may be nil.
func New(window time.Duration, logger *logging.Logger) *Protection {
	return NewWithMaxSize(window, 0, logger)
}

// NewWithMaxSize is like New but also bounds the tracked-ID set to maxSize
// (0 = unlimited), shedding new entries rather than growing unbounded under
// attack.
func NewWithMaxSize(window time.Duration, maxSize int, logger *logging.Logger) *Protection {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Protection{
		window:  window,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
		logger:  logger,
	}
}

// ValidateAndMark reports whether id is fresh (not seen within the window)
// and, if so, marks it seen. Empty IDs are always rejected.
func (p *Protection) ValidateAndMark(id string) bool {
	if id == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.seen)%100 == 0 {
		p.cleanupExpired()
	}

	if seenAt, ok := p.seen[id]; ok {
		if time.Since(seenAt) < p.window {
			if p.logger != nil {
				p.logger.LogSecurityEvent(nil, "replay_detected", map[string]interface{}{
					"id": id, "window": p.window.String(),
				})
			}
			return false
		}
		delete(p.seen, id)
	}

	if p.maxSize > 0 && len(p.seen) >= p.maxSize {
		p.cleanupExpired()
		if len(p.seen) >= p.maxSize {
			if p.logger != nil {
				p.logger.LogSecurityEvent(nil, "replay_protection_at_capacity", map[string]interface{}{
					"max_size": p.maxSize,
				})
			}
			return false
		}
	}

	p.seen[id] = time.Now()
	return true
}

// IsReplay reports whether id has been seen within the window, without
// marking it.
func (p *Protection) IsReplay(id string) bool {
	if id == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	seenAt, ok := p.seen[id]
	if !ok {
		return false
	}
	return time.Since(seenAt) < p.window
}

func (p *Protection) cleanupExpired() {
	now := time.Now()
	for id, seenAt := range p.seen {
		if now.Sub(seenAt) > p.window {
			delete(p.seen, id)
		}
	}
}

// Size returns the number of currently tracked IDs.
func (p *Protection) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.seen)
}

// Clear removes all tracked IDs.
func (p *Protection) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]time.Time)
}
