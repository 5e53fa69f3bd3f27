package domain

import (
	"context"
	"time"
)

// RateLimitStore enforces the per-user sliding window. Implementations
// may be in-process or shared (Redis); the contract is identical.
type RateLimitStore interface {
	// CheckAndRecord records one event for userID at now and reports
	// whether the user is still inside the window budget. When not
	// allowed, RetryAfter says how long until the oldest event expires.
	CheckAndRecord(ctx context.Context, userID string, now time.Time) (RateLimitResult, error)
}

// ViolationRepository is the durable per-user violation log.
type ViolationRepository interface {
	// Record durably persists a single violation before returning.
	Record(ctx context.Context, v UserViolation) error

	// RecordBatch persists a batch idempotently (message_id dedup), used
	// by the WAL replay path.
	RecordBatch(ctx context.Context, vs []UserViolation) error

	// Recent returns the user's violations inside the window, newest first.
	Recent(ctx context.Context, userID string, window time.Duration) ([]UserViolation, error)

	// Counts aggregates the user's violations inside the window.
	Counts(ctx context.Context, userID string, window time.Duration) (ViolationCounts, error)

	// PurgeExpired deletes violations created before the cutoff and
	// returns how many rows went away. Retention enforcement only.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// ViolationWAL is the local spill for violations that could not be
// persisted, replayed once the store recovers.
type ViolationWAL interface {
	// Write appends a violation to the current WAL segment.
	Write(ctx context.Context, v UserViolation) error

	// Replay streams every spilled violation to the handler. The handler
	// re-persists the record; any handler error aborts the replay.
	Replay(ctx context.Context, handler func(v UserViolation) error) error

	// Truncate removes WAL segments after a successful replay.
	Truncate(ctx context.Context) error
}

// EventCache deduplicates pipeline work by message ID within a short
// window. Entries expire on their own; the cache is best-effort.
type EventCache interface {
	Get(messageID string) (ProcessedEvent, bool)
	Put(event ProcessedEvent)
}

// EventPublisher fans a processed event out to channel subscribers.
// Publish never blocks on slow subscribers.
type EventPublisher interface {
	Publish(channelID string, event ProcessedEvent)
}

// NotificationSink delivers escalation notifications to moderators.
// Failures are logged by callers and never affect the decision path.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}
