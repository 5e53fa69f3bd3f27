package notifier

import (
	"context"
	"fmt"

	"github.com/V4T54L/mod-gate/internal/domain"
)

// StdoutNotifier prints notifications to standard output. It is the
// fallback sink for local development when no webhook is configured.
type StdoutNotifier struct{}

var _ domain.NotificationSink = (*StdoutNotifier)(nil)

// NewStdoutNotifier creates a new StdoutNotifier.
func NewStdoutNotifier() *StdoutNotifier {
	return &StdoutNotifier{}
}

// Notify prints the notification details to stdout.
func (n *StdoutNotifier) Notify(_ context.Context, notification domain.Notification) error {
	fmt.Printf(
		"--- MODERATION ALERT ---\nAction: %s\nSeverity: %s\nUser ID: %s\nChannel: %s\nMessage ID: %s\nReason: %s\n------------------------\n",
		notification.Action,
		notification.Severity,
		notification.UserID,
		notification.ChannelID,
		notification.MessageID,
		notification.Reason,
	)
	return nil
}
