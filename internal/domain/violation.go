package domain

import "time"

// Severity grades the enforcement intensity of an action.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// ActionKind is the enforcement outcome applied to a message/user.
type ActionKind string

const (
	ActionAllow    ActionKind = "allow"
	ActionLog      ActionKind = "log"
	ActionFlag     ActionKind = "flag"
	ActionEscalate ActionKind = "escalate"
	ActionTimeout  ActionKind = "timeout"
	ActionBan      ActionKind = "ban"
)

// Action is the policy engine's output for one message.
// Invariants: Kind == timeout implies TimeoutDuration > 0; Kind == ban
// with a nil ExpiresAt means permanent.
type Action struct {
	Kind               ActionKind    `json:"kind"`
	Severity           Severity      `json:"severity"`
	Reason             string        `json:"reason,omitempty"`
	NotifyModerators   bool          `json:"notify_moderators,omitempty"`
	TimeoutDuration    time.Duration `json:"timeout_duration_s,omitempty"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty"`
	NeedsReview        bool          `json:"needs_review,omitempty"`
	PersistenceFailure bool          `json:"persistence_failure,omitempty"`
}

// UserViolation is the persisted record of a non-benign moderation
// outcome. Rows are append-only and indexed by (user_id, created_at desc).
type UserViolation struct {
	ID          string     `json:"violation_id"`
	UserID      string     `json:"user_id"`
	MessageID   string     `json:"message_id"`
	ChannelID   string     `json:"channel_id"`
	Decision    Decision   `json:"decision"`
	Severity    Severity   `json:"severity"`
	ActionTaken ActionKind `json:"action_taken"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ViolationCounts summarizes a user's violations inside one time window.
type ViolationCounts struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity,omitempty"`
	ByDecision map[Decision]int `json:"by_decision,omitempty"`
}

// UserHistory is the policy engine's view of a user's recent record,
// assembled by the decision handler from violation-store counts.
type UserHistory struct {
	Total       int `json:"total"`
	Spam24h     int `json:"spam_24h"`
	Critical30d int `json:"critical_30d"`
}

// Notification is the escalation payload sent to the external sink when
// an action requires moderator attention.
type Notification struct {
	Action    ActionKind `json:"action"`
	Severity  Severity   `json:"severity"`
	UserID    string     `json:"user_id"`
	ChannelID string     `json:"channel_id"`
	MessageID string     `json:"message_id"`
	Reason    string     `json:"reason,omitempty"`
}
