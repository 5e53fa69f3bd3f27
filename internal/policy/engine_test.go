package policy

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

func testEngine() *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func verdict(d domain.Decision, confidence float64) domain.ModerationVerdict {
	return domain.ModerationVerdict{Decision: d, Confidence: confidence}
}

var (
	passFilter     = domain.FilterOutcome{ShouldProcess: true, Decision: domain.FilterPass, Confidence: 0.9}
	piiOnlyFilter  = domain.FilterOutcome{ShouldProcess: true, Decision: domain.FilterFlagged, Confidence: 0.8}
	terminalFilter = domain.FilterOutcome{ShouldProcess: false, Decision: domain.FilterFlagged, Confidence: 0.95}
	blockedFilter  = domain.FilterOutcome{ShouldProcess: false, Decision: domain.FilterBlocked, Confidence: 0.95}
	limitedFilter  = domain.FilterOutcome{ShouldProcess: false, Decision: domain.FilterRateLimited, Confidence: 1.0}
)

func TestEngineDecide(t *testing.T) {
	tests := []struct {
		name        string
		in          Input
		wantKind    domain.ActionKind
		wantSev     domain.Severity
		wantNotify  bool
		wantTimeout time.Duration
		wantReview  bool
	}{
		{
			name:     "clean message passes",
			in:       Input{Verdict: verdict(domain.DecisionNonToxic, 0.95), Filter: passFilter},
			wantKind: domain.ActionAllow,
			wantSev:  domain.SeverityLow,
		},
		{
			name:       "fallback verdict logs for review",
			in:         Input{Verdict: verdict(domain.DecisionUnknown, 0), Filter: passFilter},
			wantKind:   domain.ActionLog,
			wantSev:    domain.SeverityLow,
			wantReview: true,
		},
		{
			name:        "rate limited gets a short quiet timeout",
			in:          Input{Verdict: verdict(domain.DecisionRateLimited, 1.0), Filter: limitedFilter},
			wantKind:    domain.ActionTimeout,
			wantSev:     domain.SeverityMedium,
			wantTimeout: RateLimitTimeout,
		},
		{
			name:       "pii flags with notification",
			in:         Input{Verdict: verdict(domain.DecisionPII, 0.85), Filter: piiOnlyFilter},
			wantKind:   domain.ActionFlag,
			wantSev:    domain.SeverityMedium,
			wantNotify: true,
		},
		{
			name: "repeated pii escalates to review",
			in: Input{
				Verdict: verdict(domain.DecisionPII, 0.85),
				Filter:  piiOnlyFilter,
				History: domain.UserHistory{Total: 5},
			},
			wantKind:   domain.ActionEscalate,
			wantSev:    domain.SeverityHigh,
			wantNotify: true,
			wantReview: true,
		},
		{
			name:     "first spam offense flags quietly",
			in:       Input{Verdict: verdict(domain.DecisionSpam, 0.95), Filter: terminalFilter},
			wantKind: domain.ActionFlag,
			wantSev:  domain.SeverityMedium,
		},
		{
			name: "fourth spam in a day times out",
			in: Input{
				Verdict: verdict(domain.DecisionSpam, 0.95),
				Filter:  terminalFilter,
				History: domain.UserHistory{Total: 3, Spam24h: 3},
			},
			wantKind:    domain.ActionTimeout,
			wantSev:     domain.SeverityHigh,
			wantNotify:  true,
			wantTimeout: SpamTimeout,
		},
		{
			name:       "hard filter match flags first offense",
			in:         Input{Verdict: verdict(domain.DecisionToxic, 0.95), Filter: terminalFilter},
			wantKind:   domain.ActionFlag,
			wantSev:    domain.SeverityMedium,
			wantNotify: true,
		},
		{
			name:       "blocked message flags first offense",
			in:         Input{Verdict: verdict(domain.DecisionToxic, 0.95), Filter: blockedFilter},
			wantKind:   domain.ActionFlag,
			wantSev:    domain.SeverityMedium,
			wantNotify: true,
		},
		{
			name: "hard filter match escalates for repeat offenders",
			in: Input{
				Verdict: verdict(domain.DecisionToxic, 0.95),
				Filter:  terminalFilter,
				History: domain.UserHistory{Total: 4, Critical30d: 2},
			},
			wantKind:    domain.ActionTimeout,
			wantSev:     domain.SeverityHigh,
			wantNotify:  true,
			wantTimeout: ToxicTimeout,
		},
		{
			name:        "high-confidence toxicity times out",
			in:          Input{Verdict: verdict(domain.DecisionToxic, 0.92), Filter: passFilter},
			wantKind:    domain.ActionTimeout,
			wantSev:     domain.SeverityHigh,
			wantNotify:  true,
			wantTimeout: ToxicTimeout,
		},
		{
			name: "repeat critical offender gets banned",
			in: Input{
				Verdict: verdict(domain.DecisionHarassment, 0.93),
				Filter:  passFilter,
				History: domain.UserHistory{Total: 6, Critical30d: 2},
			},
			wantKind:   domain.ActionBan,
			wantSev:    domain.SeverityCritical,
			wantNotify: true,
		},
		{
			name:       "probable toxicity flags",
			in:         Input{Verdict: verdict(domain.DecisionToxic, 0.75), Filter: passFilter},
			wantKind:   domain.ActionFlag,
			wantSev:    domain.SeverityMedium,
			wantNotify: true,
		},
		{
			name:     "low-confidence toxicity only logs",
			in:       Input{Verdict: verdict(domain.DecisionToxic, 0.5), Filter: passFilter},
			wantKind: domain.ActionLog,
			wantSev:  domain.SeverityLow,
		},
		{
			name:     "pii pattern cleared by the model only logs",
			in:       Input{Verdict: verdict(domain.DecisionNonToxic, 0.6), Filter: piiOnlyFilter},
			wantKind: domain.ActionLog,
			wantSev:  domain.SeverityLow,
		},
		{
			name:     "low-confidence spam only logs",
			in:       Input{Verdict: verdict(domain.DecisionSpam, 0.5), Filter: passFilter},
			wantKind: domain.ActionLog,
			wantSev:  domain.SeverityLow,
		},
	}

	engine := testEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Decide(tt.in)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Severity != tt.wantSev {
				t.Errorf("Severity = %v, want %v", got.Severity, tt.wantSev)
			}
			if got.NotifyModerators != tt.wantNotify {
				t.Errorf("NotifyModerators = %v, want %v", got.NotifyModerators, tt.wantNotify)
			}
			if got.TimeoutDuration != tt.wantTimeout {
				t.Errorf("TimeoutDuration = %v, want %v", got.TimeoutDuration, tt.wantTimeout)
			}
			if got.NeedsReview != tt.wantReview {
				t.Errorf("NeedsReview = %v, want %v", got.NeedsReview, tt.wantReview)
			}
			if got.Kind != domain.ActionAllow && got.Reason == "" {
				t.Error("Reason empty for a non-allow action")
			}
		})
	}
}

func TestShouldPersist(t *testing.T) {
	tests := []struct {
		name     string
		action   domain.Action
		decision domain.Decision
		want     bool
	}{
		{"allow clean", domain.Action{Kind: domain.ActionAllow, Severity: domain.SeverityLow}, domain.DecisionNonToxic, false},
		{"allow never persists", domain.Action{Kind: domain.ActionAllow, Severity: domain.SeverityLow}, domain.DecisionToxic, false},
		{"fallback log", domain.Action{Kind: domain.ActionLog, Severity: domain.SeverityLow}, domain.DecisionUnknown, false},
		{"low severity log", domain.Action{Kind: domain.ActionLog, Severity: domain.SeverityLow}, domain.DecisionToxic, false},
		{"flagged spam", domain.Action{Kind: domain.ActionFlag, Severity: domain.SeverityMedium}, domain.DecisionSpam, true},
		{"rate limit timeout", domain.Action{Kind: domain.ActionTimeout, Severity: domain.SeverityMedium}, domain.DecisionRateLimited, true},
		{"toxic timeout", domain.Action{Kind: domain.ActionTimeout, Severity: domain.SeverityHigh}, domain.DecisionToxic, true},
		{"harassment ban", domain.Action{Kind: domain.ActionBan, Severity: domain.SeverityCritical}, domain.DecisionHarassment, true},
		{"medium flag on clean verdict", domain.Action{Kind: domain.ActionFlag, Severity: domain.SeverityMedium}, domain.DecisionNonToxic, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldPersist(tt.action, tt.decision); got != tt.want {
				t.Errorf("ShouldPersist(%v, %v) = %v, want %v", tt.action.Kind, tt.decision, got, tt.want)
			}
		})
	}
}

func TestHistoryFromCounts(t *testing.T) {
	day := domain.ViolationCounts{
		Total:      3,
		ByDecision: map[domain.Decision]int{domain.DecisionSpam: 2, domain.DecisionToxic: 1},
	}
	month := domain.ViolationCounts{
		Total: 7,
		BySeverity: map[domain.Severity]int{
			domain.SeverityMedium:   4,
			domain.SeverityHigh:     2,
			domain.SeverityCritical: 1,
		},
	}

	got := HistoryFromCounts(day, month)
	want := domain.UserHistory{Total: 7, Spam24h: 2, Critical30d: 3}
	if got != want {
		t.Errorf("HistoryFromCounts() = %+v, want %+v", got, want)
	}
}
