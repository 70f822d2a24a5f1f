package matching

import (
	"fmt"
	"time"
)

// Tier ranks how good a match is; lower is better.
type Tier int

const (
	TierNone             Tier = iota
	TierGenderAndCountry      // same gender and same country
	TierGender                // same gender
	TierCountry               // same country
	TierCompatible            // any compatible pair
)

func (t Tier) String() string {
	switch t {
	case TierGenderAndCountry:
		return "gender_country"
	case TierGender:
		return "gender"
	case TierCountry:
		return "country"
	case TierCompatible:
		return "compatible"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Candidate is one connection waiting for a partner.
type Candidate struct {
	Handle   string
	Profile  Profile
	JoinedAt time.Time
}

// SkipChecker is the part of SkipHistory the queue needs.
type SkipChecker interface {
	IsSkipped(skipper, candidate string) bool
}

// Queue is the waiting pool. Insertion order is kept so that, within a tier,
// the longest-waiting candidate wins. A handle appears at most once.
// Queue is not safe for concurrent use; the Engine serializes access.
type Queue struct {
	pool []Candidate
}

// NewQueue creates an empty waiting pool.
func NewQueue() *Queue {
	return &Queue{}
}

// FindBestMatch scans the pool for the best partner for c. Pairs skipped in
// either direction are never returned. It reports the pool index of the
// match so the caller can remove it, the matched candidate and its tier.
func (q *Queue) FindBestMatch(c Candidate, skips SkipChecker) (int, Candidate, Tier, bool) {
	var best [TierCompatible + 1]int
	for i := range best {
		best[i] = -1
	}

	for i, other := range q.pool {
		if other.Handle == c.Handle {
			continue
		}
		if skips != nil && (skips.IsSkipped(c.Handle, other.Handle) || skips.IsSkipped(other.Handle, c.Handle)) {
			continue
		}
		if !CanMatch(c.Profile, other.Profile) {
			continue
		}

		tier := classify(c.Profile, other.Profile)
		if best[tier] == -1 {
			best[tier] = i
		}
		if tier == TierGenderAndCountry {
			break
		}
	}

	for tier := TierGenderAndCountry; tier <= TierCompatible; tier++ {
		if idx := best[tier]; idx >= 0 {
			return idx, q.pool[idx], tier, true
		}
	}
	return -1, Candidate{}, TierNone, false
}

// classify returns the best tier a compatible pair qualifies for.
func classify(a, b Profile) Tier {
	gender, country := sameGender(a, b), sameCountry(a, b)
	switch {
	case gender && country:
		return TierGenderAndCountry
	case gender:
		return TierGender
	case country:
		return TierCountry
	default:
		return TierCompatible
	}
}

// Enqueue appends c to the pool. An existing entry for the same handle is
// dropped first so the handle stays unique.
func (q *Queue) Enqueue(c Candidate) {
	q.Remove(c.Handle)
	q.pool = append(q.pool, c)
}

// RemoveAt deletes the entry at idx, as returned by FindBestMatch.
func (q *Queue) RemoveAt(idx int) (Candidate, error) {
	if idx < 0 || idx >= len(q.pool) {
		return Candidate{}, fmt.Errorf("matching: pool index %d out of range (len=%d)", idx, len(q.pool))
	}
	c := q.pool[idx]
	q.pool = append(q.pool[:idx], q.pool[idx+1:]...)
	return c, nil
}

// Remove deletes the entry for handle. It reports whether one was present.
func (q *Queue) Remove(handle string) bool {
	for i, c := range q.pool {
		if c.Handle == handle {
			q.pool = append(q.pool[:i], q.pool[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether handle is waiting.
func (q *Queue) Contains(handle string) bool {
	for _, c := range q.pool {
		if c.Handle == handle {
			return true
		}
	}
	return false
}

// Len returns the number of waiting candidates.
func (q *Queue) Len() int {
	return len(q.pool)
}

// Handles returns the waiting handles, oldest first.
func (q *Queue) Handles() []string {
	out := make([]string, len(q.pool))
	for i, c := range q.pool {
		out[i] = c.Handle
	}
	return out
}
