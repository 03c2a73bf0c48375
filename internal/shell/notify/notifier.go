// Package notify sends rollout events to an external sink. Delivery is
// fire-and-forget: a failed send is logged and never blocks a rollout.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Severity classifies an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one notification.
type Event struct {
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Hosts        []string  `json:"hosts,omitempty"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier delivers events. Send never returns an error; failures are
// the notifier's problem, by contract.
type Notifier interface {
	Send(ctx context.Context, event Event)
}

// =============================================================================
// Webhook Notifier
// =============================================================================

// Webhook posts events as JSON to a configured URL.
type Webhook struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("component", "notifier"),
	}
}

func (w *Webhook) Send(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		w.logger.Warn("marshal event failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("build notification request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		w.logger.Warn("notification delivery failed", "error", err, "severity", event.Severity)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Warn("notification rejected", "status", resp.StatusCode, "severity", event.Severity)
	}
}

// =============================================================================
// Noop Notifier
// =============================================================================

// Noop discards all events.
type Noop struct{}

func (Noop) Send(context.Context, Event) {}
