package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/V4T54L/mod-gate/internal/adapter/metrics"
	"github.com/V4T54L/mod-gate/internal/domain"
	"github.com/V4T54L/mod-gate/internal/domain/mocks"
)

// Shared across the package tests: promauto registers on the default
// registry, so the metrics bundle is created exactly once.
var testMetrics = metrics.NewPipelineMetrics()

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage() domain.IncomingMessage {
	return domain.IncomingMessage{
		ID:        "m1",
		UserID:    "u1",
		Username:  "alice",
		ChannelID: "general",
		Body:      "hello there",
		Timestamp: time.Now(),
	}
}

type panicMatcher struct{}

func (panicMatcher) Match(string) (domain.PatternResult, error) {
	panic("rule exploded")
}

func TestFilterUseCase_Check(t *testing.T) {
	t.Run("Clean Message Passes", func(t *testing.T) {
		uc := NewFilterUseCase(&mocks.MockRateLimitStore{}, &mocks.MockPatternMatcher{}, true, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if !out.ShouldProcess {
			t.Error("ShouldProcess = false, want true")
		}
		if out.Decision != domain.FilterPass {
			t.Errorf("Decision = %q, want pass", out.Decision)
		}
		if out.Confidence != 0.9 {
			t.Errorf("Confidence = %v, want 0.9", out.Confidence)
		}
	})

	t.Run("Rate Limited", func(t *testing.T) {
		limiter := &mocks.MockRateLimitStore{
			Result: domain.RateLimitResult{Allowed: false, RetryAfter: 3 * time.Second},
		}
		uc := NewFilterUseCase(limiter, &mocks.MockPatternMatcher{}, true, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if out.ShouldProcess {
			t.Error("ShouldProcess = true, want false")
		}
		if out.Decision != domain.FilterRateLimited {
			t.Errorf("Decision = %q, want rate_limited", out.Decision)
		}
		if out.Confidence != 1 {
			t.Errorf("Confidence = %v, want 1", out.Confidence)
		}
		if out.RetryAfter != 3*time.Second {
			t.Errorf("RetryAfter = %v, want 3s", out.RetryAfter)
		}
		if out.PatternType != "rate_limit" {
			t.Errorf("PatternType = %q, want rate_limit", out.PatternType)
		}
	})

	t.Run("Limiter Outage Fails Open", func(t *testing.T) {
		limiter := &mocks.MockRateLimitStore{Err: errors.New("store down")}
		uc := NewFilterUseCase(limiter, &mocks.MockPatternMatcher{}, true, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if !out.ShouldProcess || out.Decision != domain.FilterPass {
			t.Errorf("outcome = %+v, want pass", out)
		}
	})

	t.Run("Blocked Pattern", func(t *testing.T) {
		matcher := &mocks.MockPatternMatcher{Result: domain.PatternResult{Hits: []domain.PatternHit{
			{RuleSet: domain.RuleSetBannedWords, PatternID: "slur_001", Action: domain.RuleActionBlock},
		}}}
		uc := NewFilterUseCase(&mocks.MockRateLimitStore{}, matcher, true, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if out.ShouldProcess {
			t.Error("ShouldProcess = true, want false")
		}
		if out.Decision != domain.FilterBlocked {
			t.Errorf("Decision = %q, want blocked", out.Decision)
		}
		if out.PatternType != domain.RuleSetBannedWords {
			t.Errorf("PatternType = %q, want banned_words", out.PatternType)
		}
		if len(out.MatchedPatterns) != 1 || out.MatchedPatterns[0] != "banned_words/slur_001" {
			t.Errorf("MatchedPatterns = %v", out.MatchedPatterns)
		}
	})

	t.Run("Terminal Pattern Stops Pipeline", func(t *testing.T) {
		matcher := &mocks.MockPatternMatcher{Result: domain.PatternResult{Hits: []domain.PatternHit{
			{RuleSet: domain.RuleSetToxic, PatternID: "threat_101", Action: domain.RuleActionFlag},
		}}}
		uc := NewFilterUseCase(&mocks.MockRateLimitStore{}, matcher, true, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if out.ShouldProcess {
			t.Error("ShouldProcess = true, want false")
		}
		if out.Decision != domain.FilterFlagged {
			t.Errorf("Decision = %q, want flagged", out.Decision)
		}
		if out.Confidence != 0.95 {
			t.Errorf("Confidence = %v, want 0.95", out.Confidence)
		}
		if out.PatternType != domain.RuleSetToxic {
			t.Errorf("PatternType = %q, want toxic", out.PatternType)
		}
	})

	t.Run("PII Only Continues To LLM", func(t *testing.T) {
		matcher := &mocks.MockPatternMatcher{Result: domain.PatternResult{Hits: []domain.PatternHit{
			{RuleSet: domain.RuleSetPII, PatternID: "email", Action: domain.RuleActionFlag},
		}}}
		uc := NewFilterUseCase(&mocks.MockRateLimitStore{}, matcher, true, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if !out.ShouldProcess {
			t.Error("ShouldProcess = false, want true for PII-only hits")
		}
		if out.Decision != domain.FilterFlagged {
			t.Errorf("Decision = %q, want flagged", out.Decision)
		}
		if out.Confidence != 0.8 {
			t.Errorf("Confidence = %v, want 0.8", out.Confidence)
		}
		if out.PatternType != domain.RuleSetPII {
			t.Errorf("PatternType = %q, want pii", out.PatternType)
		}
	})

	t.Run("Mixed PII And Toxic Is Terminal", func(t *testing.T) {
		matcher := &mocks.MockPatternMatcher{Result: domain.PatternResult{Hits: []domain.PatternHit{
			{RuleSet: domain.RuleSetPII, PatternID: "email", Action: domain.RuleActionFlag},
			{RuleSet: domain.RuleSetToxic, PatternID: "insult_009", Action: domain.RuleActionFlag},
		}}}
		uc := NewFilterUseCase(&mocks.MockRateLimitStore{}, matcher, true, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if out.ShouldProcess {
			t.Error("ShouldProcess = true, want false")
		}
		if out.PatternType != domain.RuleSetToxic {
			t.Errorf("PatternType = %q, want toxic", out.PatternType)
		}
		if len(out.MatchedPatterns) != 2 {
			t.Errorf("MatchedPatterns = %v, want both hits", out.MatchedPatterns)
		}
	})

	t.Run("Matcher Error Fails Open", func(t *testing.T) {
		matcher := &mocks.MockPatternMatcher{Err: errors.New("engine fault")}
		uc := NewFilterUseCase(&mocks.MockRateLimitStore{}, matcher, true, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if !out.ShouldProcess || out.Decision != domain.FilterPass {
			t.Errorf("outcome = %+v, want fail-open pass", out)
		}
	})

	t.Run("Matcher Panic Fails Open", func(t *testing.T) {
		uc := NewFilterUseCase(&mocks.MockRateLimitStore{}, panicMatcher{}, true, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if !out.ShouldProcess || out.Decision != domain.FilterPass {
			t.Errorf("outcome = %+v, want fail-open pass", out)
		}
	})

	t.Run("Disabled Filter Skips Everything", func(t *testing.T) {
		limiter := &mocks.MockRateLimitStore{Result: domain.RateLimitResult{Allowed: false}}
		matcher := &mocks.MockPatternMatcher{Result: domain.PatternResult{Hits: []domain.PatternHit{
			{RuleSet: domain.RuleSetBannedWords, PatternID: "slur_001", Action: domain.RuleActionBlock},
		}}}
		uc := NewFilterUseCase(limiter, matcher, false, testLogger(), testMetrics)

		out := uc.Check(context.Background(), testMessage())

		if !out.ShouldProcess || out.Decision != domain.FilterPass {
			t.Errorf("outcome = %+v, want pass", out)
		}
		if len(limiter.Calls) != 0 {
			t.Errorf("limiter calls = %d, want 0", len(limiter.Calls))
		}
	})
}
