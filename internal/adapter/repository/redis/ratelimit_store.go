package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/mod-gate/internal/domain"
)

const rateLimitKeyPrefix = "modgate:rl:"

// RateLimitStore implements the sliding-window rate limiter on a shared
// Redis sorted set per user, so the budget holds across replicas. When
// Redis is unreachable it degrades to the in-process fallback limiter:
// the filter fails open rather than blocking chat.
type RateLimitStore struct {
	client      *redis.Client
	logger      *slog.Logger
	window      time.Duration
	limit       int
	fallback    domain.RateLimitStore
	isAvailable atomic.Bool
}

// NewRateLimitStore creates a Redis-backed limiter. The fallback store
// is required; it takes over whenever Redis is down.
func NewRateLimitStore(client *redis.Client, logger *slog.Logger, window time.Duration, limit int, fallback domain.RateLimitStore) *RateLimitStore {
	s := &RateLimitStore{
		client:   client,
		logger:   logger.With("component", "redis_rate_limit"),
		window:   window,
		limit:    limit,
		fallback: fallback,
	}
	s.isAvailable.Store(true)

	if err := client.Ping(context.Background()).Err(); err != nil {
		s.isAvailable.Store(false)
		s.logger.Error("Redis unreachable on startup, using in-process rate limiting", "error", err)
	}
	return s
}

// StartHealthCheck monitors Redis connectivity and flips the store back
// to shared mode once the connection recovers. Blocks until ctx is done.
func (s *RateLimitStore) StartHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting Redis health check")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping Redis health check")
			return
		case <-ticker.C:
			if err := s.client.Ping(ctx).Err(); err != nil {
				if s.isAvailable.CompareAndSwap(true, false) {
					s.logger.Error("Redis connection lost", "error", err)
				}
			} else {
				if s.isAvailable.CompareAndSwap(false, true) {
					s.logger.Info("Redis connection recovered, resuming shared rate limiting")
				}
			}
		}
	}
}

// CheckAndRecord records one event for userID at now against the shared
// window. Any Redis failure degrades to the fallback limiter or, for
// non-network errors, allows the message outright.
func (s *RateLimitStore) CheckAndRecord(ctx context.Context, userID string, now time.Time) (domain.RateLimitResult, error) {
	if !s.isAvailable.Load() {
		return s.fallback.CheckAndRecord(ctx, userID, now)
	}

	res, err := s.checkRedis(ctx, userID, now)
	if err != nil {
		if isNetworkError(err) {
			if s.isAvailable.CompareAndSwap(true, false) {
				s.logger.Error("Redis connection lost during rate-limit check", "error", err)
			}
			return s.fallback.CheckAndRecord(ctx, userID, now)
		}
		s.logger.Error("rate-limit check failed, allowing message", "error", err, "user_id", userID)
		return domain.RateLimitResult{Allowed: true}, nil
	}
	return res, nil
}

func (s *RateLimitStore) checkRedis(ctx context.Context, userID string, now time.Time) (domain.RateLimitResult, error) {
	key := rateLimitKeyPrefix + userID
	cutoff := now.Add(-s.window)

	// Trim, record, and count in one round trip. The member must be
	// unique per event; two events in the same nanosecond still count twice.
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, s.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.RateLimitResult{}, fmt.Errorf("rate-limit pipeline for %s: %w", userID, err)
	}

	if int(card.Val()) <= s.limit {
		return domain.RateLimitResult{Allowed: true}, nil
	}

	oldest, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return domain.RateLimitResult{Allowed: false, RetryAfter: s.window}, nil
	}
	retry := time.Unix(0, int64(oldest[0].Score)).Add(s.window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return domain.RateLimitResult{Allowed: false, RetryAfter: retry}, nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
