package pii

import (
	"log/slog"

	"github.com/V4T54L/mod-gate/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor strips configured sensitive keys from message metadata
// before the pipeline takes ownership of a message. The body is left
// alone: body PII is the pattern matcher's and the LLM's call.
type Redactor struct {
	fields map[string]struct{}
	logger *slog.Logger
}

// NewRedactor creates a Redactor for the given metadata keys.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	set := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		set[field] = struct{}{}
	}
	return &Redactor{fields: set, logger: logger}
}

// Scrub replaces configured metadata values in place and reports how
// many keys were redacted.
func (r *Redactor) Scrub(msg *domain.IncomingMessage) int {
	if len(r.fields) == 0 || len(msg.Metadata) == 0 {
		return 0
	}

	redacted := 0
	for field := range r.fields {
		if _, ok := msg.Metadata[field]; ok {
			msg.Metadata[field] = RedactedPlaceholder
			redacted++
		}
	}
	if redacted > 0 {
		r.logger.Debug("redacted metadata fields", "message_id", msg.ID, "fields", redacted)
	}
	return redacted
}
