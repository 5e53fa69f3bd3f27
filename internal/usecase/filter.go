package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/mod-gate/internal/adapter/metrics"
	"github.com/V4T54L/mod-gate/internal/domain"
)

// FilterUseCase runs the deterministic pre-screen: the per-user
// sliding-window rate limit followed by the compiled pattern rule sets.
// It performs no network I/O beyond the rate-limit store and never
// rejects a message on an internal fault.
type FilterUseCase struct {
	limiter domain.RateLimitStore
	matcher domain.PatternMatcher
	enabled bool
	logger  *slog.Logger
	metrics *metrics.PipelineMetrics
}

// NewFilterUseCase creates the pre-screen stage. With enabled false the
// stage passes every message through untouched.
func NewFilterUseCase(limiter domain.RateLimitStore, matcher domain.PatternMatcher, enabled bool, logger *slog.Logger, m *metrics.PipelineMetrics) *FilterUseCase {
	return &FilterUseCase{
		limiter: limiter,
		matcher: matcher,
		enabled: enabled,
		logger:  logger.With("component", "filter"),
		metrics: m,
	}
}

// Check classifies msg. It never returns an error: a limiter outage
// fails open into the pattern stage, and a matcher fault fails open to
// pass so the LLM still sees the message.
func (uc *FilterUseCase) Check(ctx context.Context, msg domain.IncomingMessage) domain.FilterOutcome {
	started := time.Now()
	outcome := uc.check(ctx, msg)
	outcome.LatencyNs = time.Since(started).Nanoseconds()

	uc.metrics.FilterOutcomes.WithLabelValues(string(outcome.Decision)).Inc()
	uc.metrics.FilterLatency.Observe(time.Since(started).Seconds())
	return outcome
}

func (uc *FilterUseCase) check(ctx context.Context, msg domain.IncomingMessage) domain.FilterOutcome {
	if !uc.enabled {
		return domain.FilterOutcome{ShouldProcess: true, Decision: domain.FilterPass, Confidence: 1}
	}

	// 1. Sliding-window rate limit.
	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	res, err := uc.limiter.CheckAndRecord(ctx, msg.UserID, now)
	if err != nil {
		uc.logger.Warn("rate limit check failed, failing open", "user_id", msg.UserID, "error", err)
	} else if !res.Allowed {
		uc.metrics.RateLimited.Inc()
		return domain.FilterOutcome{
			ShouldProcess:   false,
			Decision:        domain.FilterRateLimited,
			Confidence:      1,
			MatchedPatterns: []string{"rate_limit_exceeded"},
			PatternType:     "rate_limit",
			RetryAfter:      res.RetryAfter,
		}
	}

	// 2. Pattern rule sets.
	result, err := uc.match(msg.Body)
	if err != nil {
		uc.metrics.FilterFailOpen.Inc()
		uc.logger.Error("pattern matcher fault, failing open", "message_id", msg.ID, "error", err)
		return domain.FilterOutcome{ShouldProcess: true, Decision: domain.FilterPass, Confidence: 0.5}
	}
	if len(result.Hits) == 0 {
		return domain.FilterOutcome{ShouldProcess: true, Decision: domain.FilterPass, Confidence: 0.9}
	}

	patterns := make([]string, 0, len(result.Hits))
	for _, h := range result.Hits {
		patterns = append(patterns, h.RuleSet+"/"+h.PatternID)
	}

	switch {
	case result.Blocked():
		return domain.FilterOutcome{
			ShouldProcess:   false,
			Decision:        domain.FilterBlocked,
			Confidence:      0.95,
			MatchedPatterns: patterns,
			PatternType:     blockedSet(result.Hits),
		}
	case result.Terminal():
		return domain.FilterOutcome{
			ShouldProcess:   false,
			Decision:        domain.FilterFlagged,
			Confidence:      0.95,
			MatchedPatterns: patterns,
			PatternType:     terminalSet(result.Hits),
		}
	default:
		// PII-only hits: flag for the record, but the LLM still
		// adjudicates severity.
		return domain.FilterOutcome{
			ShouldProcess:   true,
			Decision:        domain.FilterFlagged,
			Confidence:      0.8,
			MatchedPatterns: patterns,
			PatternType:     domain.RuleSetPII,
		}
	}
}

// match wraps the matcher so a faulting rule cannot take the pipeline
// down with it.
func (uc *FilterUseCase) match(body string) (result domain.PatternResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pattern matcher panic: %v", r)
		}
	}()
	return uc.matcher.Match(body)
}

// blockedSet names the rule set behind the first hard-block hit.
func blockedSet(hits []domain.PatternHit) string {
	for _, h := range hits {
		if h.Action == domain.RuleActionBlock {
			return h.RuleSet
		}
	}
	return hits[0].RuleSet
}

// terminalSet names the first rule set that stops the pipeline.
func terminalSet(hits []domain.PatternHit) string {
	for _, h := range hits {
		if h.RuleSet != domain.RuleSetPII {
			return h.RuleSet
		}
	}
	return hits[0].RuleSet
}
