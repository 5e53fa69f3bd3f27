package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

const defaultTimeout = 5 * time.Second

// WebhookNotifier delivers moderator notifications as JSON POSTs to a
// configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

var _ domain.NotificationSink = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a sink posting to url.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With("component", "webhook_notifier"),
	}
}

// Notify posts the notification. Any non-2xx reply is an error; the
// caller decides whether that matters.
func (n *WebhookNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	n.logger.Debug("notification delivered", "action", notification.Action, "user_id", notification.UserID)
	return nil
}
