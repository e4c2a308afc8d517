// Package alerting turns detection verdicts into blocks and operator
// alerts. Delivery is fire-and-forget; a broken notification channel never
// blocks or fails the request path.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/abuse"
)

// Notifier delivers one alert to one channel
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event *abuse.AlertEvent) error
}

// LogNotifier writes alerts to the structured log. Always configured so
// alerts are never silently dropped even with no webhook set up.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, event *abuse.AlertEvent) error {
	n.logger.Warn("abuse alert",
		zap.String("alert_id", event.ID.String()),
		zap.String("severity", string(event.Severity)),
		zap.String("type", event.Type),
		zap.String("ip", event.SourceIP),
		zap.Strings("patterns", event.Patterns),
		zap.String("recommendation", event.Recommendation),
	)
	return nil
}

// WebhookNotifier POSTs alerts as JSON to a configured endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, event *abuse.AlertEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
