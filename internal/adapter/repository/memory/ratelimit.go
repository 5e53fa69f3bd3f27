package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

const (
	rateLimitStripes = 16
	// sweepEvery bounds how often a stripe scans for idle users.
	sweepEvery = 1024
)

// RateLimitStore is the in-process sliding-window rate limiter. State is
// striped across several locks so hot users on different stripes do not
// contend. Used standalone or as the fallback when Redis is unreachable.
type RateLimitStore struct {
	window  time.Duration
	limit   int
	stripes [rateLimitStripes]rateLimitStripe
}

type rateLimitStripe struct {
	mu    sync.Mutex
	users map[string][]time.Time
	ops   int
}

// NewRateLimitStore creates a limiter allowing limit events per user
// inside a sliding window.
func NewRateLimitStore(window time.Duration, limit int) *RateLimitStore {
	s := &RateLimitStore{window: window, limit: limit}
	for i := range s.stripes {
		s.stripes[i].users = make(map[string][]time.Time)
	}
	return s
}

// CheckAndRecord records one event for userID at now and reports whether
// the user is still inside the window budget. Rejected events also count
// against the window, so a flood keeps a user limited.
func (s *RateLimitStore) CheckAndRecord(_ context.Context, userID string, now time.Time) (domain.RateLimitResult, error) {
	stripe := &s.stripes[stripeIndex(userID)]
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	cutoff := now.Add(-s.window)
	events := stripe.users[userID]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	stripe.users[userID] = kept

	stripe.ops++
	if stripe.ops%sweepEvery == 0 {
		stripe.sweep(cutoff)
	}

	if len(kept) > s.limit {
		retry := kept[0].Add(s.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return domain.RateLimitResult{Allowed: false, RetryAfter: retry}, nil
	}
	return domain.RateLimitResult{Allowed: true}, nil
}

// sweep drops users whose newest event already fell out of the window.
// Caller holds the stripe lock.
func (st *rateLimitStripe) sweep(cutoff time.Time) {
	for user, events := range st.users {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(st.users, user)
		}
	}
}

func stripeIndex(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % rateLimitStripes)
}
