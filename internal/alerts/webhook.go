package alerts

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"helicarrier/internal/config"
	"helicarrier/internal/events"
	"helicarrier/internal/metrics"
)

// WebhookAlerter posts pipeline events to configured webhook endpoints.
// An endpoint with no event filter receives everything.
type WebhookAlerter struct {
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
}

// NewWebhookAlerter creates an alerter for the given webhook configs.
func NewWebhookAlerter(webhooks []config.WebhookConfig, logger *slog.Logger) *WebhookAlerter {
	return &WebhookAlerter{
		webhooks: webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With("component", "alerts"),
	}
}

// RegisterEventHandler subscribes the alerter to an emitter. Deliveries run
// on their own goroutines so a slow endpoint never blocks the pipeline.
func (a *WebhookAlerter) RegisterEventHandler(emitter *events.Emitter) {
	emitter.OnEvent(func(ev events.Event) {
		for _, wh := range a.webhooks {
			if !matches(wh, ev.Type) {
				continue
			}
			go a.deliver(wh, ev)
		}
	})
}

func matches(wh config.WebhookConfig, eventType string) bool {
	if len(wh.Events) == 0 {
		return true
	}
	for _, e := range wh.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

func (a *WebhookAlerter) deliver(wh config.WebhookConfig, ev events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("webhook marshal failed", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("webhook request failed", "url", wh.URL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		a.logger.Warn("webhook delivery failed", "url", wh.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		a.logger.Warn("webhook returned non-2xx", "url", wh.URL, "status", resp.StatusCode)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
}
