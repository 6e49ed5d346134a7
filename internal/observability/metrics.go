package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	TaskSubscriptions prometheus.Gauge
	WSMessages        *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec
	TaskEvents        *prometheus.CounterVec
}

// NewMetrics registers all instruments against reg. Production passes
// prometheus.DefaultRegisterer; tests pass a fresh registry so repeated
// construction does not collide.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live websocket connections.",
		}),
		TaskSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_with_subscribers",
			Help:      "Number of tasks with at least one subscriber.",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Upstream webhook callbacks by event type and status.",
		}, []string{"event", "status"}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound push failures by reason.",
		}, []string{"reason"}),
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Local task lifecycle events.",
		}, []string{"event"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
