package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
	"github.com/V4T54L/mod-gate/internal/domain/mocks"
	"github.com/V4T54L/mod-gate/internal/policy"
	"github.com/V4T54L/mod-gate/internal/prompt"
)

type moderateFixture struct {
	limiter  *mocks.MockRateLimitStore
	matcher  *mocks.MockPatternMatcher
	client   *mocks.MockCompletionClient
	repo     *mocks.MockViolationRepository
	wal      *mocks.MockViolationWAL
	pub      *mocks.MockEventPublisher
	notifier *mocks.MockNotificationSink
	cache    *mocks.MockEventCache
	uc       *ModerateUseCase
}

// newModerateFixture wires the whole pipeline with mocks and the
// built-in prompt templates.
func newModerateFixture(t *testing.T) *moderateFixture {
	t.Helper()
	logger := testLogger()
	reg, err := prompt.Load(filepath.Join(t.TempDir(), "absent.yaml"), logger)
	if err != nil {
		t.Fatalf("prompt.Load() error = %v", err)
	}

	f := &moderateFixture{
		limiter:  &mocks.MockRateLimitStore{},
		matcher:  &mocks.MockPatternMatcher{},
		client:   &mocks.MockCompletionClient{},
		repo:     &mocks.MockViolationRepository{},
		wal:      &mocks.MockViolationWAL{},
		pub:      &mocks.MockEventPublisher{},
		notifier: &mocks.MockNotificationSink{},
		cache:    &mocks.MockEventCache{},
	}
	filter := NewFilterUseCase(f.limiter, f.matcher, true, logger, testMetrics)
	decider := NewDecideUseCase(policy.NewEngine(logger), f.repo, f.wal, f.pub, f.notifier, logger, testMetrics, true)
	f.uc = NewModerateUseCase(filter, reg, f.client, f.repo, decider, f.cache, logger, testMetrics, "moderation_prompt", 5*time.Second)
	return f
}

func (f *moderateFixture) respond(texts ...string) {
	for _, text := range texts {
		f.client.Responses = append(f.client.Responses, mocks.MockCompletion{Text: text})
	}
}

func TestModerateUseCase_Process(t *testing.T) {
	t.Run("Clean Message Allowed", func(t *testing.T) {
		f := newModerateFixture(t)
		f.respond(`{"decision": "non_toxic", "confidence": 0.97, "reasoning": "friendly chatter"}`)

		event := f.uc.Process(context.Background(), testMessage(), "")

		if event.Verdict.Decision != domain.DecisionNonToxic {
			t.Errorf("Decision = %q, want non_toxic", event.Verdict.Decision)
		}
		if event.Action.Kind != domain.ActionAllow {
			t.Errorf("Action = %q, want allow", event.Action.Kind)
		}
		if event.Verdict.TemplateVersion != "moderation_prompt@1.4" {
			t.Errorf("TemplateVersion = %q, want moderation_prompt@1.4", event.Verdict.TemplateVersion)
		}
		if len(f.repo.Recorded) != 0 {
			t.Errorf("recorded %d violations, want 0", len(f.repo.Recorded))
		}
		if len(f.pub.Events()) != 1 {
			t.Errorf("published %d events, want 1", len(f.pub.Events()))
		}
		if !strings.Contains(f.client.Prompts[0], "hello there") {
			t.Error("prompt does not contain the message body")
		}
	})

	t.Run("Toxic Message Timed Out", func(t *testing.T) {
		f := newModerateFixture(t)
		f.respond(`{"decision": "toxic", "confidence": 0.95, "reasoning": "direct insult"}`)

		event := f.uc.Process(context.Background(), testMessage(), "")

		if event.Action.Kind != domain.ActionTimeout {
			t.Fatalf("Action = %q, want timeout", event.Action.Kind)
		}
		if event.Action.TimeoutDuration != policy.ToxicTimeout {
			t.Errorf("TimeoutDuration = %v, want %v", event.Action.TimeoutDuration, policy.ToxicTimeout)
		}
		if event.Action.ExpiresAt == nil {
			t.Error("ExpiresAt = nil, want set for timeout")
		}
		if len(f.repo.Recorded) != 1 {
			t.Fatalf("recorded %d violations, want 1", len(f.repo.Recorded))
		}
		v := f.repo.Recorded[0]
		if v.Severity != domain.SeverityHigh || v.ActionTaken != domain.ActionTimeout {
			t.Errorf("violation = %s/%s, want high/timeout", v.Severity, v.ActionTaken)
		}
		if len(f.notifier.Notified) != 1 {
			t.Errorf("notified %d times, want 1", len(f.notifier.Notified))
		}
	})

	t.Run("Blocked By Filter Skips LLM", func(t *testing.T) {
		f := newModerateFixture(t)
		f.matcher.Result = domain.PatternResult{Hits: []domain.PatternHit{
			{RuleSet: domain.RuleSetBannedWords, PatternID: "slur_001", Action: domain.RuleActionBlock},
		}}

		event := f.uc.Process(context.Background(), testMessage(), "")

		if f.client.CallCount() != 0 {
			t.Errorf("LLM calls = %d, want 0", f.client.CallCount())
		}
		if event.Verdict.Decision != domain.DecisionToxic {
			t.Errorf("Decision = %q, want toxic (synthesized)", event.Verdict.Decision)
		}
		if event.Verdict.TemplateVersion != domain.TemplateVersionFilter {
			t.Errorf("TemplateVersion = %q, want filter", event.Verdict.TemplateVersion)
		}
		if event.Action.Kind != domain.ActionFlag {
			t.Errorf("Action = %q, want flag", event.Action.Kind)
		}
	})

	t.Run("Rate Limited Skips LLM", func(t *testing.T) {
		f := newModerateFixture(t)
		f.limiter.Result = domain.RateLimitResult{Allowed: false, RetryAfter: 10 * time.Second}

		event := f.uc.Process(context.Background(), testMessage(), "")

		if f.client.CallCount() != 0 {
			t.Errorf("LLM calls = %d, want 0", f.client.CallCount())
		}
		if event.Verdict.Decision != domain.DecisionRateLimited {
			t.Errorf("Decision = %q, want rate_limited", event.Verdict.Decision)
		}
		if event.Action.Kind != domain.ActionTimeout || event.Action.Severity != domain.SeverityMedium {
			t.Errorf("Action = %s/%s, want timeout/medium", event.Action.Kind, event.Action.Severity)
		}
		if len(f.notifier.Notified) != 0 {
			t.Error("rate limiting must not page moderators")
		}
		if len(f.repo.Recorded) != 1 {
			t.Errorf("recorded %d violations, want 1", len(f.repo.Recorded))
		}
	})

	t.Run("Duplicate Message Served From Cache", func(t *testing.T) {
		f := newModerateFixture(t)
		f.respond(`{"decision": "toxic", "confidence": 0.95, "reasoning": "insult"}`)

		msg := testMessage()
		first := f.uc.Process(context.Background(), msg, "")
		second := f.uc.Process(context.Background(), msg, "")

		if f.client.CallCount() != 1 {
			t.Errorf("LLM calls = %d, want 1", f.client.CallCount())
		}
		if len(f.repo.Recorded) != 1 {
			t.Errorf("recorded %d violations, want 1", len(f.repo.Recorded))
		}
		if second.MessageID != first.MessageID || second.Action.Kind != first.Action.Kind {
			t.Error("cached event differs from the original")
		}
	})

	t.Run("Unparseable Completion Strict Retry", func(t *testing.T) {
		f := newModerateFixture(t)
		f.respond(
			"I think this message is probably fine, no JSON needed!",
			`{"decision": "toxic", "confidence": 0.9, "reasoning": "on second thought"}`,
		)

		event := f.uc.Process(context.Background(), testMessage(), "")

		if f.client.CallCount() != 2 {
			t.Fatalf("LLM calls = %d, want 2", f.client.CallCount())
		}
		if !strings.Contains(f.client.Prompts[1], "ONLY the JSON") {
			t.Error("retry prompt is missing the strict-JSON instruction")
		}
		if event.Verdict.Decision != domain.DecisionToxic {
			t.Errorf("Decision = %q, want toxic from retry", event.Verdict.Decision)
		}
	})

	t.Run("Unparseable Twice Falls Back", func(t *testing.T) {
		f := newModerateFixture(t)
		f.respond("no json here", "still no json")

		event := f.uc.Process(context.Background(), testMessage(), "")

		if event.Verdict.Decision != domain.DecisionUnknown {
			t.Errorf("Decision = %q, want unknown", event.Verdict.Decision)
		}
		if event.Verdict.Confidence != 0 {
			t.Errorf("Confidence = %v, want 0", event.Verdict.Confidence)
		}
		if !strings.Contains(event.Verdict.Reasoning, string(domain.LLMUnparseable)) {
			t.Errorf("Reasoning = %q, want the failure kind", event.Verdict.Reasoning)
		}
		if event.Action.Kind != domain.ActionLog || !event.Action.NeedsReview {
			t.Errorf("Action = %+v, want log with needs_review", event.Action)
		}
		if len(f.repo.Recorded) != 0 {
			t.Error("fallback verdicts must not create violations")
		}
	})

	t.Run("Upstream Error Falls Back", func(t *testing.T) {
		f := newModerateFixture(t)
		f.client.Responses = []mocks.MockCompletion{
			{Err: domain.NewLLMError(domain.LLMCircuitOpen, 0, errors.New("breaker open"))},
		}

		event := f.uc.Process(context.Background(), testMessage(), "")

		if event.Verdict.Decision != domain.DecisionUnknown {
			t.Errorf("Decision = %q, want unknown", event.Verdict.Decision)
		}
		if !strings.Contains(event.Verdict.Reasoning, string(domain.LLMCircuitOpen)) {
			t.Errorf("Reasoning = %q, want LLMCircuitOpen", event.Verdict.Reasoning)
		}
		if !event.Action.NeedsReview {
			t.Error("NeedsReview = false, want true for fallback verdicts")
		}
	})

	t.Run("Empty Body Allowed Without LLM", func(t *testing.T) {
		f := newModerateFixture(t)
		msg := testMessage()
		msg.Body = "   \t"

		event := f.uc.Process(context.Background(), msg, "")

		if f.client.CallCount() != 0 {
			t.Errorf("LLM calls = %d, want 0", f.client.CallCount())
		}
		if event.Verdict.Decision != domain.DecisionNonToxic || event.Action.Kind != domain.ActionAllow {
			t.Errorf("got %s/%s, want non_toxic/allow", event.Verdict.Decision, event.Action.Kind)
		}
	})

	t.Run("Oversized Body Truncated", func(t *testing.T) {
		f := newModerateFixture(t)
		f.respond(`{"decision": "non_toxic", "confidence": 0.9}`)
		msg := testMessage()
		msg.Body = strings.Repeat("x", domain.MaxBodyBytes+500)

		event := f.uc.Process(context.Background(), msg, "")

		if !event.Message.Truncated {
			t.Error("Truncated = false, want true")
		}
		if len(event.Message.Body) > domain.MaxBodyBytes {
			t.Errorf("body = %d bytes, want <= %d", len(event.Message.Body), domain.MaxBodyBytes)
		}
		if !strings.HasSuffix(event.Message.Body, truncationMarker) {
			t.Error("truncated body is missing the marker")
		}
		// The filter must see the bounded body, not the original.
		if f.matcher.Bodies[0] != event.Message.Body {
			t.Error("matcher saw a different body than the event carries")
		}
	})

	t.Run("Missing ID Generated", func(t *testing.T) {
		f := newModerateFixture(t)
		f.respond(`{"decision": "non_toxic", "confidence": 0.9}`)
		msg := testMessage()
		msg.ID = ""
		msg.Timestamp = time.Time{}

		event := f.uc.Process(context.Background(), msg, "")

		if event.MessageID == "" {
			t.Error("MessageID is empty, want generated")
		}
		if event.Message.Timestamp.IsZero() {
			t.Error("Timestamp is zero, want stamped")
		}
	})

	t.Run("High Safety Template Gets History", func(t *testing.T) {
		f := newModerateFixture(t)
		f.repo.CountsResult = map[time.Duration]domain.ViolationCounts{
			policy.CriticalWindow: {
				Total:      4,
				ByDecision: map[domain.Decision]int{domain.DecisionToxic: 3},
			},
		}
		f.respond(`{"decision": "non_toxic", "confidence": 0.9}`)

		event := f.uc.Process(context.Background(), testMessage(), "moderation_strict")

		if event.Verdict.TemplateVersion != "moderation_strict@1.1" {
			t.Errorf("TemplateVersion = %q, want moderation_strict@1.1", event.Verdict.TemplateVersion)
		}
		if !strings.Contains(f.client.Prompts[0], "4 violations in the last 30 days") {
			t.Errorf("prompt is missing the history summary:\n%s", f.client.Prompts[0])
		}
	})

	t.Run("Unknown Template Falls Back To Default", func(t *testing.T) {
		f := newModerateFixture(t)
		f.respond(`{"decision": "non_toxic", "confidence": 0.9}`)

		event := f.uc.Process(context.Background(), testMessage(), "does_not_exist")

		if f.client.CallCount() != 1 {
			t.Errorf("LLM calls = %d, want 1", f.client.CallCount())
		}
		if event.Verdict.TemplateVersion != "moderation_prompt@1.4" {
			t.Errorf("TemplateVersion = %q, want the default template", event.Verdict.TemplateVersion)
		}
	})
}
