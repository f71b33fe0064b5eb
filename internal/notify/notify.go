// Package notify delivers operator-facing alerts from the loop event
// stream. Sinks are best-effort: a failing delivery is logged and dropped,
// never retried into the orchestrator's path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mendlabs/pagemend/internal/events"
	"github.com/mendlabs/pagemend/internal/log"
)

// Notifier delivers one alert
type Notifier interface {
	Notify(ctx context.Context, ev events.Event) error
}

// alertworthy reports whether an event should be delivered to sinks.
// Everything at warning or above goes out, plus session lifecycle edges.
func alertworthy(ev events.Event) bool {
	switch ev.Type {
	case events.EventTypeEmergencyStop, events.EventTypeAlert,
		events.EventTypeSessionClosed:
		return true
	}
	return ev.Severity == events.SeverityError || ev.Severity == events.SeverityCritical
}

// Dispatcher fans alertworthy events out to its sinks
type Dispatcher struct {
	sinks  []Notifier
	logger *log.Logger
}

// NewDispatcher creates a dispatcher over the given sinks
func NewDispatcher(logger *log.Logger, sinks ...Notifier) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{sinks: sinks, logger: logger.WithComponent("notify")}
}

// Run drains a subscription channel until it closes, delivering
// alertworthy events to every sink. Run it in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan events.Event) {
	for ev := range ch {
		if !alertworthy(ev) {
			continue
		}
		for _, sink := range d.sinks {
			if err := sink.Notify(ctx, ev); err != nil {
				d.logger.Warn("alert delivery failed",
					zap.String("event", string(ev.Type)),
					zap.Error(err))
			}
		}
	}
}

// LogNotifier writes alerts to the application log
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a log-backed sink
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogNotifier{logger: logger.WithComponent("alert")}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, ev events.Event) error {
	n.logger.Warn(ev.Message,
		zap.String("type", string(ev.Type)),
		zap.String("session_id", ev.SessionID),
		zap.Int("iteration", ev.Iteration),
		zap.String("severity", string(ev.Severity)))
	return nil
}

// WebhookNotifier POSTs alerts as JSON to a configured URL
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook sink
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify implements Notifier
func (n *WebhookNotifier) Notify(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
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
