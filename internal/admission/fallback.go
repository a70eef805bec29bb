package admission

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dhkim-dev/tickpulse/internal/metrics"
)

// SlidingWindow is the in-process fallback counter used while the
// distributed store is unreachable. It keeps per-key request timestamps
// and counts those within the trailing window, which reproduces the
// distributed (allowed, currentCount) contract with single-instance
// accuracy.
type SlidingWindow struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	clock   clockwork.Clock
}

// NewSlidingWindow creates an empty fallback counter.
func NewSlidingWindow(clock clockwork.Clock) *SlidingWindow {
	return &SlidingWindow{
		entries: make(map[string][]time.Time),
		clock:   clock,
	}
}

// CheckAndIncrement counts the request against key's trailing window.
// The request is recorded even when denied, matching the distributed
// counter which also increments past the limit. The returned duration
// is the time until the oldest counted request leaves the window.
func (w *SlidingWindow) CheckAndIncrement(key string, limit int, window time.Duration) (bool, int, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	cutoff := now.Add(-window)

	kept := w.entries[key][:0]
	for _, ts := range w.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	w.entries[key] = kept

	current := len(kept)
	resetIn := kept[0].Add(window).Sub(now)
	return current <= limit, current, resetIn
}

// Len returns the number of tracked keys.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// EvictStale removes keys whose most recent request is older than maxAge
// and returns the count evicted.
func (w *SlidingWindow) EvictStale(maxAge time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.clock.Now().Add(-maxAge)
	evicted := 0
	for key, timestamps := range w.entries {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(w.entries, key)
			evicted++
		}
	}
	metrics.RateLimitFallbackKeys.Set(float64(len(w.entries)))
	return evicted
}

// StartEvictionTimer starts periodic eviction of stale keys so a
// long-lived process does not accumulate unbounded per-client state.
// Runs independently of any window check. Returns a stop function.
func (w *SlidingWindow) StartEvictionTimer(interval time.Duration) func() {
	ticker := w.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				if evicted := w.EvictStale(interval); evicted > 0 {
					slog.Debug("Evicted stale rate-limit keys", "count", evicted)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}
