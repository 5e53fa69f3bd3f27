package domain

import "time"

// FilterDecision is the outcome class of the lightweight pre-screen.
type FilterDecision string

const (
	FilterPass        FilterDecision = "pass"
	FilterFlagged     FilterDecision = "flagged"
	FilterRateLimited FilterDecision = "rate_limited"
	FilterBlocked     FilterDecision = "blocked"
)

// RuleAction controls what a pattern rule set does on a hit: flag the
// message for the pipeline (default) or hard-block it outright.
type RuleAction string

const (
	RuleActionFlag  RuleAction = "flag"
	RuleActionBlock RuleAction = "block"
)

// Rule set names used across the matcher, filter, and metrics.
const (
	RuleSetBannedWords = "banned_words"
	RuleSetToxic       = "toxic"
	RuleSetSpam        = "spam"
	RuleSetPII         = "pii"
)

// PatternHit records a single rule match inside a message body.
type PatternHit struct {
	RuleSet   string     `json:"rule_set"`
	PatternID string     `json:"pattern_id"`
	Action    RuleAction `json:"action"`
}

// PatternResult aggregates all rule matches for one message. Hits are
// ordered by rule set, then by rule order within the set.
type PatternResult struct {
	Hits []PatternHit `json:"hits"`
}

// Terminal reports whether any hit came from a rule set that stops the
// pipeline before the LLM (everything except PII, plus any block rule).
func (r PatternResult) Terminal() bool {
	for _, h := range r.Hits {
		if h.Action == RuleActionBlock || h.RuleSet != RuleSetPII {
			return true
		}
	}
	return false
}

// Blocked reports whether any hit came from a hard-block rule set.
func (r PatternResult) Blocked() bool {
	for _, h := range r.Hits {
		if h.Action == RuleActionBlock {
			return true
		}
	}
	return false
}

// RuleSets returns the distinct rule sets that matched, in hit order.
func (r PatternResult) RuleSets() []string {
	var sets []string
	seen := make(map[string]struct{}, len(r.Hits))
	for _, h := range r.Hits {
		if _, ok := seen[h.RuleSet]; ok {
			continue
		}
		seen[h.RuleSet] = struct{}{}
		sets = append(sets, h.RuleSet)
	}
	return sets
}

// PatternMatcher screens a message body against the compiled rule sets.
// Implementations are CPU-only and must not perform I/O.
type PatternMatcher interface {
	// Match returns every rule hit in body. An error means the matcher
	// engine itself faulted; callers fail open.
	Match(body string) (PatternResult, error)
}

// FilterOutcome is the result of the deterministic pre-LLM check.
// Invariant: decision == pass implies ShouldProcess; rate_limited and
// blocked imply !ShouldProcess. A flagged outcome carries either value:
// false for hard pattern hits, true for PII-only hits (the LLM still
// adjudicates severity).
type FilterOutcome struct {
	ShouldProcess   bool           `json:"should_process"`
	Decision        FilterDecision `json:"decision"`
	Confidence      float64        `json:"confidence"`
	MatchedPatterns []string       `json:"matched_patterns,omitempty"`
	PatternType     string         `json:"pattern_type,omitempty"`
	LatencyNs       int64          `json:"latency_ns"`
	RetryAfter      time.Duration  `json:"retry_after_ms,omitempty"`
}

// RateLimitResult is the answer from the rate-limit store. RetryAfter is
// only meaningful when Allowed is false.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter time.Duration
}
