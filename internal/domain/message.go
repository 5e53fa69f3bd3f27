package domain

import "time"

const (
	// MaxBodyBytes is the largest message body the pipeline processes.
	// Longer bodies are truncated by the orchestrator before any matching.
	MaxBodyBytes = 4 * 1024

	// MaxMetadataEntries bounds the per-message metadata map at ingress.
	MaxMetadataEntries = 32
)

// IncomingMessage is a single chat message entering the moderation
// pipeline. It is immutable once the orchestrator takes ownership; all
// downstream records reference it by ID.
type IncomingMessage struct {
	ID        string            `json:"message_id"`
	UserID    string            `json:"user_id"`
	Username  string            `json:"username,omitempty"`
	ChannelID string            `json:"channel_id"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
}

// ProcessedEvent is the pipeline's final per-message record. It is
// published exactly once per accepted message; per-channel publish order
// is preserved for every subscriber.
type ProcessedEvent struct {
	MessageID      string            `json:"message_id"`
	ChannelID      string            `json:"channel_id"`
	Message        IncomingMessage   `json:"message"`
	FilterOutcome  FilterOutcome     `json:"filter_outcome"`
	Verdict        ModerationVerdict `json:"verdict"`
	Action         Action            `json:"action"`
	TotalLatencyNs int64             `json:"total_latency_ns"`
}
