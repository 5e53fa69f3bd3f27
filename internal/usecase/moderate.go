package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/V4T54L/mod-gate/internal/adapter/metrics"
	"github.com/V4T54L/mod-gate/internal/domain"
	"github.com/V4T54L/mod-gate/internal/policy"
	"github.com/V4T54L/mod-gate/internal/prompt"
)

const (
	defaultMaxTokens   = 500
	defaultTemperature = 0.1

	// strictJSONSuffix reinforces the output contract on the single
	// retry after an unparseable completion.
	strictJSONSuffix = "\n\nRespond with ONLY the JSON object. No explanations, no markdown fences."

	truncationMarker = "…[truncated]"
)

// ModerateUseCase is the pipeline orchestrator. One Process call runs
// the full path for a message: normalization, dedup, the lightweight
// filter, template rendering, the LLM round trip, and the decision
// handler, and always yields a publishable event.
type ModerateUseCase struct {
	filter   *FilterUseCase
	registry *prompt.Registry
	client   domain.CompletionClient
	repo     domain.ViolationRepository
	decider  *DecideUseCase
	cache    domain.EventCache
	logger   *slog.Logger
	metrics  *metrics.PipelineMetrics

	defaultTemplate string
	deadline        time.Duration
	maxTokens       int
	temperature     float64
}

// NewModerateUseCase wires the orchestrator. deadline bounds the whole
// Process call when the caller's context carries no deadline of its own.
func NewModerateUseCase(
	filter *FilterUseCase,
	registry *prompt.Registry,
	client domain.CompletionClient,
	repo domain.ViolationRepository,
	decider *DecideUseCase,
	cache domain.EventCache,
	logger *slog.Logger,
	m *metrics.PipelineMetrics,
	defaultTemplate string,
	deadline time.Duration,
) *ModerateUseCase {
	return &ModerateUseCase{
		filter:          filter,
		registry:        registry,
		client:          client,
		repo:            repo,
		decider:         decider,
		cache:           cache,
		logger:          logger.With("component", "orchestrator"),
		metrics:         m,
		defaultTemplate: defaultTemplate,
		deadline:        deadline,
		maxTokens:       defaultMaxTokens,
		temperature:     defaultTemperature,
	}
}

// Process moderates one message end to end. templateName selects the
// prompt template; empty means the configured default. Process never
// fails: every upstream degradation lands in the verdict or the action
// instead of an error.
func (uc *ModerateUseCase) Process(ctx context.Context, msg domain.IncomingMessage, templateName string) domain.ProcessedEvent {
	startedAt := time.Now()

	// 1. Normalize: bound the body, ensure an ID and a timestamp.
	msg = uc.normalize(msg)

	// 2. Duplicate delivery is served from the event cache.
	if cached, ok := uc.cache.Get(msg.ID); ok {
		uc.metrics.DedupHits.Inc()
		return cached
	}

	// 3. Deterministic pre-screen.
	outcome := uc.filter.Check(ctx, msg)

	// 4. Verdict: synthesized from the filter when it already made the
	// call, otherwise the LLM round trip.
	var verdict domain.ModerationVerdict
	switch {
	case !outcome.ShouldProcess:
		verdict = synthesizeVerdict(outcome)
	case strings.TrimSpace(msg.Body) == "":
		verdict = domain.ModerationVerdict{
			Decision:        domain.DecisionNonToxic,
			Confidence:      1,
			Reasoning:       "empty message body",
			TemplateVersion: domain.TemplateVersionFilter,
			ProcessingNs:    outcome.LatencyNs,
		}
	default:
		verdict = uc.moderate(ctx, msg, templateName)
	}

	// 5. Policy and side effects.
	event := uc.decider.Decide(ctx, msg, outcome, verdict, startedAt)
	uc.cache.Put(event)

	uc.metrics.MessagesTotal.WithLabelValues(string(verdict.Decision), string(event.Action.Kind)).Inc()
	uc.metrics.PipelineLatency.Observe(time.Since(startedAt).Seconds())
	return event
}

func (uc *ModerateUseCase) normalize(msg domain.IncomingMessage) domain.IncomingMessage {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if len(msg.Body) > domain.MaxBodyBytes {
		cut := domain.TruncateUTF8(msg.Body, domain.MaxBodyBytes-len(truncationMarker))
		msg.Body = cut + truncationMarker
		msg.Truncated = true
	}
	return msg
}

// moderate runs the LLM leg: template resolution, rendering, the
// completion call, and verdict parsing with one strict-JSON retry.
func (uc *ModerateUseCase) moderate(ctx context.Context, msg domain.IncomingMessage, templateName string) domain.ModerationVerdict {
	// 1. Resolve the template; an unknown name falls back to the default.
	name := templateName
	if name == "" {
		name = uc.defaultTemplate
	}
	tpl, err := uc.registry.Get(name)
	if err != nil && name != uc.defaultTemplate {
		uc.logger.Warn("unknown template, using default", "template", name)
		tpl, err = uc.registry.Get(uc.defaultTemplate)
	}
	if err != nil {
		uc.logger.Error("template resolution failed", "template", name, "error", err)
		return uc.fallback("template_unknown")
	}

	// 2. Render with the message context. Only high-safety templates get
	// the user-history summary; the extra store read is not free.
	vars := map[string]string{
		"message":         msg.Body,
		"username":        msg.Username,
		"channel_id":      msg.ChannelID,
		"history_summary": "",
	}
	if tpl.SafetyLevel == domain.SafetyHigh {
		vars["history_summary"] = uc.historySummary(ctx, msg.UserID)
	}
	rendered, err := uc.registry.Render(tpl, vars)
	if err != nil {
		uc.logger.Error("template render failed", "template", tpl.Name, "error", err)
		return uc.fallback("template_render")
	}
	if rendered.InjectionHits > 0 {
		uc.metrics.InjectionFlags.Add(float64(rendered.InjectionHits))
	}

	// 3. Upstream round trip under the pipeline deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.deadline)
		defer cancel()
	}
	opts := domain.CompletionOptions{MaxTokens: uc.maxTokens, Temperature: uc.temperature}
	completion, err := uc.client.Complete(ctx, rendered.Text, opts)
	if err != nil {
		return uc.fallbackFromErr(msg, err)
	}

	verdict, salvaged, err := domain.ParseVerdict(completion.Text)
	if salvaged {
		uc.metrics.LLMParseSalvaged.Inc()
	}
	if err != nil {
		// 4. One reinforcement retry with an explicit JSON-only demand.
		uc.metrics.LLMStrictRetries.Inc()
		uc.logger.Warn("unparseable completion, retrying with strict instruction", "message_id", msg.ID)
		completion, err = uc.client.Complete(ctx, rendered.Text+strictJSONSuffix, opts)
		if err != nil {
			return uc.fallbackFromErr(msg, err)
		}
		verdict, salvaged, err = domain.ParseVerdict(completion.Text)
		if err != nil {
			return uc.fallbackFromErr(msg, err)
		}
		if salvaged {
			uc.metrics.LLMParseSalvaged.Inc()
		}
	}

	verdict.TemplateVersion = tpl.Name + "@" + tpl.Version
	verdict.ProcessingNs = completion.Duration.Nanoseconds()
	return verdict
}

// historySummary renders the compact history line that high-safety
// templates receive.
func (uc *ModerateUseCase) historySummary(ctx context.Context, userID string) string {
	counts, err := uc.repo.Counts(ctx, userID, policy.CriticalWindow)
	if err != nil {
		uc.logger.Warn("history summary unavailable", "user_id", userID, "error", err)
		return "no history available"
	}
	if counts.Total == 0 {
		return "no prior violations"
	}
	var parts []string
	for _, d := range []domain.Decision{
		domain.DecisionToxic, domain.DecisionHarassment, domain.DecisionSpam,
		domain.DecisionPII, domain.DecisionRateLimited,
	} {
		if n := counts.ByDecision[d]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, d))
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d violations in the last 30 days", counts.Total)
	}
	return fmt.Sprintf("%d violations in the last 30 days (%s)", counts.Total, strings.Join(parts, ", "))
}

func (uc *ModerateUseCase) fallbackFromErr(msg domain.IncomingMessage, err error) domain.ModerationVerdict {
	kind := domain.LLMTransient
	var llmErr *domain.LLMError
	if errors.As(err, &llmErr) {
		kind = llmErr.Kind
	}
	uc.logger.Warn("moderation fallback", "message_id", msg.ID, "kind", string(kind), "error", err)
	return uc.fallback(string(kind))
}

// fallback is the degraded verdict for any upstream failure: unknown at
// zero confidence, so policy routes it to the review queue instead of
// enforcing on a guess.
func (uc *ModerateUseCase) fallback(kind string) domain.ModerationVerdict {
	uc.metrics.FallbackVerdicts.WithLabelValues(kind).Inc()
	return domain.ModerationVerdict{
		Decision:   domain.DecisionUnknown,
		Confidence: 0,
		Reasoning:  "upstream failure: " + kind,
	}
}

// synthesizeVerdict stands in for the LLM when the filter already made
// the call. The decision mirrors the rule set that matched.
func synthesizeVerdict(outcome domain.FilterOutcome) domain.ModerationVerdict {
	var decision domain.Decision
	switch {
	case outcome.Decision == domain.FilterRateLimited:
		decision = domain.DecisionRateLimited
	case outcome.PatternType == domain.RuleSetSpam:
		decision = domain.DecisionSpam
	case outcome.PatternType == domain.RuleSetPII:
		decision = domain.DecisionPII
	default:
		// banned_words, toxic, or a custom rule set: treat as toxic.
		decision = domain.DecisionToxic
	}

	reasoning := "filter: " + strings.Join(outcome.MatchedPatterns, ", ")
	if len(reasoning) > domain.MaxReasoningBytes {
		reasoning = domain.TruncateUTF8(reasoning, domain.MaxReasoningBytes)
	}
	return domain.ModerationVerdict{
		Decision:        decision,
		Confidence:      outcome.Confidence,
		Reasoning:       reasoning,
		TemplateVersion: domain.TemplateVersionFilter,
		ProcessingNs:    outcome.LatencyNs,
	}
}
