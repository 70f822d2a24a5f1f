package matching

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultSkipTimeout is how long a skipped partner stays excluded.
	DefaultSkipTimeout = 5 * time.Minute

	// DefaultSkipCap bounds the remembered skips per user.
	DefaultSkipCap = 20

	// DefaultSweepInterval is the period of the background skip sweep.
	DefaultSweepInterval = 60 * time.Second
)

// SkipHistory remembers, per skipper, which partners were skipped recently
// so they are not paired again right away. Entries expire after the timeout
// (an entry exactly timeout old is expired) and each skipper keeps at most
// limit entries. SkipHistory is safe for concurrent use and guards only its
// own data, so the sweeper never contends with the pool or the registry.
type SkipHistory struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // skipper -> skipped -> when
	timeout time.Duration
	limit   int
	now     func() time.Time
}

// NewSkipHistory creates a SkipHistory. Non-positive arguments fall back to
// the defaults.
func NewSkipHistory(timeout time.Duration, limit int) *SkipHistory {
	if timeout <= 0 {
		timeout = DefaultSkipTimeout
	}
	if limit <= 0 {
		limit = DefaultSkipCap
	}
	return &SkipHistory{
		entries: make(map[string]map[string]time.Time),
		timeout: timeout,
		limit:   limit,
		now:     time.Now,
	}
}

// Record notes that skipper skipped skipped, refreshing the timestamp if the
// pair is already present, and prunes the skipper's history.
func (h *SkipHistory) Record(skipper, skipped string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.entries[skipper]
	if !ok {
		set = make(map[string]time.Time)
		h.entries[skipper] = set
	}
	set[skipped] = h.now()
	h.prune(skipper, h.now())
}

// IsSkipped reports whether skipper has a live skip entry for candidate.
// An expired entry is deleted on the way out.
func (h *SkipHistory) IsSkipped(skipper, candidate string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.entries[skipper]
	if !ok {
		return false
	}
	at, ok := set[candidate]
	if !ok {
		return false
	}
	if h.expired(at, h.now()) {
		delete(set, candidate)
		if len(set) == 0 {
			delete(h.entries, skipper)
		}
		return false
	}
	return true
}

// DropUser forgets everything handle has skipped. Entries where handle is
// the skipped party stay with their owners and expire on their own.
func (h *SkipHistory) DropUser(handle string) {
	h.mu.Lock()
	delete(h.entries, handle)
	h.mu.Unlock()
}

// Len returns the number of live-or-unswept entries held for skipper.
func (h *SkipHistory) Len(skipper string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries[skipper])
}

// Sweep prunes every skipper and returns the number of removed entries.
func (h *SkipHistory) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	removed := 0
	for skipper := range h.entries {
		removed += h.prune(skipper, now)
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled. It blocks,
// so callers start it in its own goroutine.
func (h *SkipHistory) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[skips] sweeper stopped")
			return
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				log.Printf("[skips] sweep removed %d entries", n)
			}
		}
	}
}

func (h *SkipHistory) expired(at, now time.Time) bool {
	return now.Sub(at) >= h.timeout
}

// prune drops expired entries for skipper and then the oldest ones until the
// limit holds. Caller must hold h.mu.
func (h *SkipHistory) prune(skipper string, now time.Time) int {
	set, ok := h.entries[skipper]
	if !ok {
		return 0
	}

	removed := 0
	for skipped, at := range set {
		if h.expired(at, now) {
			delete(set, skipped)
			removed++
		}
	}

	if over := len(set) - h.limit; over > 0 {
		type entry struct {
			handle string
			at     time.Time
		}
		ordered := make([]entry, 0, len(set))
		for skipped, at := range set {
			ordered = append(ordered, entry{skipped, at})
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].at.Before(ordered[j].at)
		})
		for _, e := range ordered[:over] {
			delete(set, e.handle)
			removed++
		}
	}

	if len(set) == 0 {
		delete(h.entries, skipper)
	}
	return removed
}
