package memory

import (
	"context"
	"sync"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

// ViolationStore is the in-memory violation log, used when no durable
// store is configured (single-binary and test deployments). It honors
// the same contract as the Postgres repository, including message-ID
// idempotency.
type ViolationStore struct {
	mu       sync.RWMutex
	byUser   map[string][]domain.UserViolation
	messages map[string]struct{}
}

// NewViolationStore creates an empty in-memory violation log.
func NewViolationStore() *ViolationStore {
	return &ViolationStore{
		byUser:   make(map[string][]domain.UserViolation),
		messages: make(map[string]struct{}),
	}
}

// Record stores a single violation. A second violation for the same
// message ID is silently dropped.
func (s *ViolationStore) Record(_ context.Context, v domain.UserViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(v)
	return nil
}

// RecordBatch stores a batch of violations idempotently.
func (s *ViolationStore) RecordBatch(_ context.Context, vs []domain.UserViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vs {
		s.record(v)
	}
	return nil
}

// record assumes the write lock is held.
func (s *ViolationStore) record(v domain.UserViolation) {
	if _, dup := s.messages[v.MessageID]; dup {
		return
	}
	s.messages[v.MessageID] = struct{}{}
	s.byUser[v.UserID] = append(s.byUser[v.UserID], v)
}

// Recent returns the user's violations inside the window, newest first.
func (s *ViolationStore) Recent(_ context.Context, userID string, window time.Duration) ([]domain.UserViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	rows := s.byUser[userID]
	var out []domain.UserViolation
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].CreatedAt.After(cutoff) {
			out = append(out, rows[i])
		}
	}
	return out, nil
}

// Counts aggregates the user's violations inside the window.
func (s *ViolationStore) Counts(_ context.Context, userID string, window time.Duration) (domain.ViolationCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	counts := domain.ViolationCounts{
		BySeverity: make(map[domain.Severity]int),
		ByDecision: make(map[domain.Decision]int),
	}
	for _, v := range s.byUser[userID] {
		if !v.CreatedAt.After(cutoff) {
			continue
		}
		counts.Total++
		counts.BySeverity[v.Severity]++
		counts.ByDecision[v.Decision]++
	}
	return counts, nil
}

// PurgeExpired deletes violations created before the cutoff.
func (s *ViolationStore) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for user, rows := range s.byUser {
		kept := rows[:0]
		for _, v := range rows {
			if v.CreatedAt.Before(cutoff) {
				purged++
				delete(s.messages, v.MessageID)
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			delete(s.byUser, user)
		} else {
			s.byUser[user] = kept
		}
	}
	return purged, nil
}
