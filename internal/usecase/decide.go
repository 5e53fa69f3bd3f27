package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/mod-gate/internal/adapter/metrics"
	"github.com/V4T54L/mod-gate/internal/domain"
	"github.com/V4T54L/mod-gate/internal/policy"
)

// persistenceGrace is the minimum budget the side-effect leg gets even
// when the caller's deadline is nearly spent (usually because the LLM
// leg consumed it).
const persistenceGrace = 50 * time.Millisecond

// DecideUseCase turns a verdict into an enforcement action and applies
// its side effects: the violation write (with WAL spill on failure),
// the hub publish, and the moderator notification.
type DecideUseCase struct {
	engine   *policy.Engine
	repo     domain.ViolationRepository
	wal      domain.ViolationWAL
	pub      domain.EventPublisher
	notifier domain.NotificationSink
	logger   *slog.Logger
	metrics  *metrics.PipelineMetrics

	notificationsEnabled bool
	now                  func() time.Time
}

// NewDecideUseCase wires the decision handler.
func NewDecideUseCase(
	engine *policy.Engine,
	repo domain.ViolationRepository,
	wal domain.ViolationWAL,
	pub domain.EventPublisher,
	notifier domain.NotificationSink,
	logger *slog.Logger,
	m *metrics.PipelineMetrics,
	notificationsEnabled bool,
) *DecideUseCase {
	return &DecideUseCase{
		engine:               engine,
		repo:                 repo,
		wal:                  wal,
		pub:                  pub,
		notifier:             notifier,
		logger:               logger.With("component", "decision_handler"),
		metrics:              m,
		notificationsEnabled: notificationsEnabled,
		now:                  time.Now,
	}
}

// Decide runs the policy engine for one moderated message and applies
// the resulting action. It always returns a publishable event: a
// persistence failure downgrades the action instead of failing the
// message.
func (uc *DecideUseCase) Decide(ctx context.Context, msg domain.IncomingMessage, outcome domain.FilterOutcome, verdict domain.ModerationVerdict, startedAt time.Time) domain.ProcessedEvent {
	ctx, cancel := uc.graceContext(ctx)
	defer cancel()

	// 1. Assemble the history view for the rule table. A read outage
	// degrades to an empty history rather than blocking enforcement.
	day := uc.counts(ctx, msg.UserID, policy.SpamWindow)
	month := uc.counts(ctx, msg.UserID, policy.CriticalWindow)
	history := policy.HistoryFromCounts(day, month)

	// 2. Policy.
	action := uc.engine.Decide(policy.Input{Verdict: verdict, Filter: outcome, History: history})
	if action.Kind == domain.ActionTimeout && action.TimeoutDuration > 0 {
		expires := uc.now().Add(action.TimeoutDuration)
		action.ExpiresAt = &expires
	}

	// 3. Persist. Enforcement without a durable record is unaccountable,
	// so a failed write (after the WAL spill) downgrades the action.
	if policy.ShouldPersist(action, verdict.Decision) {
		action = uc.persist(ctx, msg, verdict, action)
	}
	uc.metrics.ActionsTotal.WithLabelValues(string(action.Kind), string(action.Severity)).Inc()

	event := domain.ProcessedEvent{
		MessageID:      msg.ID,
		ChannelID:      msg.ChannelID,
		Message:        msg,
		FilterOutcome:  outcome,
		Verdict:        verdict,
		Action:         action,
		TotalLatencyNs: time.Since(startedAt).Nanoseconds(),
	}

	// 4. Fan out, then notify.
	uc.pub.Publish(msg.ChannelID, event)
	uc.notify(ctx, msg, action)
	return event
}

func (uc *DecideUseCase) persist(ctx context.Context, msg domain.IncomingMessage, verdict domain.ModerationVerdict, action domain.Action) domain.Action {
	v := domain.UserViolation{
		ID:          uuid.NewString(),
		UserID:      msg.UserID,
		MessageID:   msg.ID,
		ChannelID:   msg.ChannelID,
		Decision:    verdict.Decision,
		Severity:    action.Severity,
		ActionTaken: action.Kind,
		Reason:      action.Reason,
		CreatedAt:   uc.now(),
		ExpiresAt:   action.ExpiresAt,
	}

	err := uc.repo.Record(ctx, v)
	if err == nil {
		uc.metrics.ViolationsPersisted.WithLabelValues(string(v.Severity)).Inc()
		return action
	}

	uc.metrics.PersistenceFailures.Inc()
	uc.logger.Error("violation write failed, spilling to WAL",
		"violation_id", v.ID, "user_id", v.UserID, "error", err)
	if werr := uc.wal.Write(ctx, v); werr != nil {
		uc.logger.Error("WAL spill failed, violation lost", "violation_id", v.ID, "error", werr)
	} else {
		uc.metrics.WALSpills.Inc()
	}

	return domain.Action{
		Kind:               domain.ActionLog,
		Severity:           domain.SeverityLow,
		Reason:             action.Reason,
		PersistenceFailure: true,
	}
}

func (uc *DecideUseCase) notify(ctx context.Context, msg domain.IncomingMessage, action domain.Action) {
	if !action.NotifyModerators {
		return
	}
	if !uc.notificationsEnabled {
		uc.metrics.Notifications.WithLabelValues("disabled").Inc()
		return
	}
	n := domain.Notification{
		Action:    action.Kind,
		Severity:  action.Severity,
		UserID:    msg.UserID,
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		Reason:    action.Reason,
	}
	if err := uc.notifier.Notify(ctx, n); err != nil {
		uc.metrics.Notifications.WithLabelValues("failed").Inc()
		uc.logger.Warn("moderator notification failed", "message_id", msg.ID, "error", err)
		return
	}
	uc.metrics.Notifications.WithLabelValues("sent").Inc()
}

// counts reads one aggregation window, degrading to zero on error.
func (uc *DecideUseCase) counts(ctx context.Context, userID string, window time.Duration) domain.ViolationCounts {
	c, err := uc.repo.Counts(ctx, userID, window)
	if err != nil {
		uc.logger.Warn("violation counts unavailable", "user_id", userID, "window", window, "error", err)
		return domain.ViolationCounts{}
	}
	return c
}

// graceContext guarantees the side-effect leg a minimum time budget.
// The detached context still carries the caller's values, only the
// near-expired deadline is replaced.
func (uc *DecideUseCase) graceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) >= persistenceGrace {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), persistenceGrace)
}
