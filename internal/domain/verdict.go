package domain

import (
	"context"
	"fmt"
	"time"
)

// Decision is the moderation label attached to a message, produced by the
// LLM or synthesized from the filter outcome.
type Decision string

const (
	DecisionToxic       Decision = "toxic"
	DecisionNonToxic    Decision = "non_toxic"
	DecisionSpam        Decision = "spam"
	DecisionPII         Decision = "pii"
	DecisionHarassment  Decision = "harassment"
	DecisionRateLimited Decision = "rate_limited"
	DecisionUnknown     Decision = "unknown"
)

// MaxReasoningBytes caps the free-text reasoning carried on a verdict.
const MaxReasoningBytes = 1024

// TemplateVersionFilter marks verdicts synthesized from the lightweight
// filter instead of an LLM round trip.
const TemplateVersionFilter = "filter"

// ModerationVerdict is the structured moderation result for one message.
// Invariant: Confidence == 0 and Decision == unknown when the upstream
// failed and the fallback path was used.
type ModerationVerdict struct {
	Decision        Decision `json:"decision"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning,omitempty"`
	TemplateVersion string   `json:"template_version,omitempty"`
	ProcessingNs    int64    `json:"processing_ns"`
	Categories      []string `json:"categories,omitempty"`
}

// CompletionOptions tune a single upstream completion call. The deadline
// travels on the context.
type CompletionOptions struct {
	MaxTokens   int
	Temperature float64
}

// Completion is a successful upstream reply: the raw text and how long
// the call took.
type Completion struct {
	Text     string
	Duration time.Duration
}

// CompletionClient is the upstream text oracle. Implementations bound
// concurrency, retry transient failures, and honor the context deadline.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (Completion, error)
}

// LLMErrorKind classifies upstream completion failures. The values are
// surfaced verbatim in fallback verdict reasoning, so they are stable.
type LLMErrorKind string

const (
	LLMDeadlineExceeded LLMErrorKind = "LLMDeadlineExceeded"
	LLMCircuitOpen      LLMErrorKind = "LLMCircuitOpen"
	LLMTransient        LLMErrorKind = "LLMTransient"
	LLMBadRequest       LLMErrorKind = "LLMBadRequest"
	LLMUnparseable      LLMErrorKind = "LLMUnparseable"
	LLMUpstreamError    LLMErrorKind = "LLMUpstreamError"
)

// LLMError wraps any failure from the completion path with its kind so
// the orchestrator can pick the right degradation.
type LLMError struct {
	Kind   LLMErrorKind
	Status int // HTTP status when one was received, else 0
	Err    error
}

func (e *LLMError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *LLMError) Unwrap() error { return e.Err }

// NewLLMError builds an LLMError wrapping err.
func NewLLMError(kind LLMErrorKind, status int, err error) *LLMError {
	return &LLMError{Kind: kind, Status: status, Err: err}
}
