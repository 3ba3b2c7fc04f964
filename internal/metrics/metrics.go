package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helicarrier/internal/events"
)

var (
	IngestAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helicarrier_ingest_accepted_total",
		Help: "Sessions accepted through the ingestion pipeline",
	})

	IngestRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helicarrier_ingest_rejected_total",
		Help: "Rejected ingestion attempts by error code",
	}, []string{"code"})

	AlertEvaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helicarrier_alert_evaluations_total",
		Help: "Alert rule evaluations by resulting status",
	}, []string{"status"})

	AlertTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helicarrier_alert_transitions_total",
		Help: "Alert status transitions surfaced to consumers",
	}, []string{"type"})

	IdempotencyIndexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helicarrier_idempotency_index_size",
		Help: "Keys tracked in the in-memory idempotency index",
	})

	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "helicarrier_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		IngestAcceptedTotal,
		IngestRejectedTotal,
		AlertEvaluationsTotal,
		AlertTransitionsTotal,
		IdempotencyIndexSize,
		WebhookDeliveriesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RegisterEventHandler wires metric updates to the event emitter.
func RegisterEventHandler(emitter *events.Emitter) {
	emitter.OnEvent(func(ev events.Event) {
		switch ev.Type {
		case events.SessionIngested:
			IngestAcceptedTotal.Inc()
		case events.AlertWarning:
			AlertTransitionsTotal.WithLabelValues("warning").Inc()
		case events.AlertCritical:
			AlertTransitionsTotal.WithLabelValues("critical").Inc()
		case events.AlertResolved:
			AlertTransitionsTotal.WithLabelValues("resolved").Inc()
		case events.AlertSuppressed:
			AlertTransitionsTotal.WithLabelValues("suppressed").Inc()
		}
	})
}
