package policy

import (
	"log/slog"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

// Timeout durations applied by the standard rules.
const (
	RateLimitTimeout = time.Minute
	SpamTimeout      = 5 * time.Minute
	ToxicTimeout     = 10 * time.Minute
)

// Confidence thresholds for acting on a verdict.
const (
	confidenceAct  = 0.7
	confidenceHard = 0.9
)

// History windows consulted by the rules.
const (
	SpamWindow     = 24 * time.Hour
	CriticalWindow = 30 * 24 * time.Hour
)

// Input carries everything a policy rule may consult.
type Input struct {
	Verdict domain.ModerationVerdict
	Filter  domain.FilterOutcome
	History domain.UserHistory
}

type rule struct {
	name string
	when func(Input) bool
	then func(Input) domain.Action
}

// Engine maps a verdict, the filter outcome, and the user's history onto
// an enforcement action through an ordered first-match-wins rule table.
type Engine struct {
	logger *slog.Logger
	rules  []rule
}

// NewEngine creates an engine with the standard rule table.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger: logger.With("component", "policy_engine"),
		rules:  standardRules(),
	}
}

// Decide returns the action for one moderated message. It never fails:
// the last table entry matches unconditionally. Any action at high or
// critical severity notifies moderators regardless of what the rule set.
func (e *Engine) Decide(in Input) domain.Action {
	for _, r := range e.rules {
		if !r.when(in) {
			continue
		}
		action := r.then(in)
		if action.Severity.AtLeast(domain.SeverityHigh) {
			action.NotifyModerators = true
		}
		e.logger.Debug("policy decision",
			"rule", r.name, "action", action.Kind, "severity", action.Severity,
			"decision", in.Verdict.Decision, "confidence", in.Verdict.Confidence)
		return action
	}
	return domain.Action{Kind: domain.ActionLog, Severity: domain.SeverityLow}
}

// standardRules is the ordered policy table. Verdicts synthesized from
// terminal filter hits carry a mechanical confidence, so the hard-filter
// rule intercepts them before the evidence-based hostile rules below it.
func standardRules() []rule {
	return []rule{
		{
			name: "clean_pass",
			when: func(in Input) bool {
				return in.Verdict.Decision == domain.DecisionNonToxic && in.Filter.Decision == domain.FilterPass
			},
			then: func(in Input) domain.Action {
				return domain.Action{Kind: domain.ActionAllow, Severity: domain.SeverityLow}
			},
		},
		{
			name: "upstream_unknown",
			when: func(in Input) bool {
				return in.Verdict.Decision == domain.DecisionUnknown
			},
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:        domain.ActionLog,
					Severity:    domain.SeverityLow,
					Reason:      "upstream unavailable; verdict pending review",
					NeedsReview: true,
				}
			},
		},
		{
			// Routine throttling, not a content judgment: medium severity
			// keeps it off the moderator feed and out of the ban ladder.
			name: "rate_limited",
			when: func(in Input) bool {
				return in.Filter.Decision == domain.FilterRateLimited
			},
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:            domain.ActionTimeout,
					Severity:        domain.SeverityMedium,
					Reason:          "message rate limit exceeded",
					TimeoutDuration: RateLimitTimeout,
				}
			},
		},
		{
			name: "pii_repeat_escalation",
			when: func(in Input) bool {
				return in.Verdict.Decision == domain.DecisionPII &&
					in.Verdict.Confidence >= confidenceAct &&
					in.History.Total >= 5
			},
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:             domain.ActionEscalate,
					Severity:         domain.SeverityHigh,
					Reason:           "repeated personal data exposure",
					NotifyModerators: true,
					NeedsReview:      true,
				}
			},
		},
		{
			name: "pii_detected",
			when: func(in Input) bool {
				return in.Verdict.Decision == domain.DecisionPII && in.Verdict.Confidence >= confidenceAct
			},
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:             domain.ActionFlag,
					Severity:         domain.SeverityMedium,
					Reason:           "personal data detected",
					NotifyModerators: true,
				}
			},
		},
		{
			name: "spam_repeat",
			when: func(in Input) bool {
				return in.Verdict.Decision == domain.DecisionSpam && in.History.Spam24h >= 3
			},
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:            domain.ActionTimeout,
					Severity:        domain.SeverityHigh,
					Reason:          "repeat spam within 24h",
					TimeoutDuration: SpamTimeout,
				}
			},
		},
		{
			name: "spam_detected",
			when: func(in Input) bool {
				return in.Verdict.Decision == domain.DecisionSpam && in.Verdict.Confidence >= confidenceAct
			},
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:     domain.ActionFlag,
					Severity: domain.SeverityMedium,
					Reason:   "spam detected",
				}
			},
		},
		{
			name: "hard_filter_match",
			when: func(in Input) bool {
				return filterTerminal(in.Filter) && hostile(in.Verdict.Decision)
			},
			then: func(in Input) domain.Action {
				if in.History.Critical30d >= 2 {
					return domain.Action{
						Kind:            domain.ActionTimeout,
						Severity:        domain.SeverityHigh,
						Reason:          "hard filter match, repeat offender",
						TimeoutDuration: ToxicTimeout,
					}
				}
				return domain.Action{
					Kind:             domain.ActionFlag,
					Severity:         domain.SeverityMedium,
					Reason:           "hard filter match",
					NotifyModerators: true,
				}
			},
		},
		{
			name: "hostile_ban",
			when: func(in Input) bool {
				return hostile(in.Verdict.Decision) &&
					in.Verdict.Confidence >= confidenceHard &&
					in.History.Critical30d >= 2
			},
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:     domain.ActionBan,
					Severity: domain.SeverityCritical,
					Reason:   "repeat critical violations within 30d",
				}
			},
		},
		{
			name: "hostile_timeout",
			when: func(in Input) bool {
				return hostile(in.Verdict.Decision) && in.Verdict.Confidence >= confidenceHard
			},
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:            domain.ActionTimeout,
					Severity:        domain.SeverityHigh,
					Reason:          "high-confidence toxicity",
					TimeoutDuration: ToxicTimeout,
				}
			},
		},
		{
			name: "hostile_flag",
			when: func(in Input) bool {
				return hostile(in.Verdict.Decision) && in.Verdict.Confidence >= confidenceAct
			},
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:             domain.ActionFlag,
					Severity:         domain.SeverityMedium,
					Reason:           "probable toxicity",
					NotifyModerators: true,
				}
			},
		},
		{
			name: "default_log",
			when: func(in Input) bool { return true },
			then: func(in Input) domain.Action {
				return domain.Action{
					Kind:     domain.ActionLog,
					Severity: domain.SeverityLow,
					Reason:   "low-confidence signal",
				}
			},
		},
	}
}

func hostile(d domain.Decision) bool {
	return d == domain.DecisionToxic || d == domain.DecisionHarassment
}

// filterTerminal reports whether the filter stopped the message before
// the LLM on a pattern hit.
func filterTerminal(f domain.FilterOutcome) bool {
	if f.ShouldProcess {
		return false
	}
	return f.Decision == domain.FilterFlagged || f.Decision == domain.FilterBlocked
}

// ShouldPersist reports whether the outcome warrants a violation row.
// Only actions at medium severity and above with a violation label reach
// the store, so history counts enforcement rather than noise.
func ShouldPersist(action domain.Action, decision domain.Decision) bool {
	if !action.Severity.AtLeast(domain.SeverityMedium) {
		return false
	}
	switch decision {
	case domain.DecisionToxic, domain.DecisionSpam, domain.DecisionPII,
		domain.DecisionHarassment, domain.DecisionRateLimited:
		return true
	}
	return false
}

// HistoryFromCounts assembles the rule-table view of a user's record.
// Critical30d counts high rows along with critical ones: the ban ladder
// climbs through timeouts, and those persist at high severity.
func HistoryFromCounts(day, month domain.ViolationCounts) domain.UserHistory {
	return domain.UserHistory{
		Total:       month.Total,
		Spam24h:     day.ByDecision[domain.DecisionSpam],
		Critical30d: month.BySeverity[domain.SeverityHigh] + month.BySeverity[domain.SeverityCritical],
	}
}
