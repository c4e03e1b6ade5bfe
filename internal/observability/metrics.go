package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric collectors for courierd. There is no
// user-facing HTTP API, so there is no HTTP subsystem here — only the
// queue/email/SMTP/spamd/worker concerns the dispatcher itself exercises.
type Metrics struct {
	// Queue
	QueueDepth       *prometheus.GaugeVec
	QueuePurgedTotal *prometheus.CounterVec

	// Email
	EmailsSentTotal   *prometheus.CounterVec
	EmailSendDuration prometheus.Histogram

	// SMTP
	SMTPConnectionsTotal *prometheus.CounterVec

	// SpamAssassin
	SpamdVerdictsTotal *prometheus.CounterVec

	// Worker
	TasksProcessedTotal *prometheus.CounterVec
	TasksInFlight       prometheus.Gauge
	TaskDuration        *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metric collectors with the
// given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Queue
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "courierd",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of queue entries by state.",
		}, []string{"state"}),
		QueuePurgedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courierd",
			Subsystem: "queue",
			Name:      "purged_total",
			Help:      "Total number of queue entries purged, by reason.",
		}, []string{"reason"}),

		// Email
		EmailsSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courierd",
			Subsystem: "email",
			Name:      "sent_total",
			Help:      "Total number of emails dispatched, by outcome.",
		}, []string{"outcome"}),
		EmailSendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "courierd",
			Subsystem: "email",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver an email via SMTP.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		// SMTP
		SMTPConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courierd",
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total SMTP connections attempted.",
		}, []string{"mx_host", "result"}),

		// SpamAssassin
		SpamdVerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courierd",
			Subsystem: "spamd",
			Name:      "verdicts_total",
			Help:      "Total spamd verdicts, by result.",
		}, []string{"verdict"}),

		// Worker
		TasksProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courierd",
			Subsystem: "worker",
			Name:      "tasks_processed_total",
			Help:      "Total number of tasks processed.",
		}, []string{"task_type", "result"}),
		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "courierd",
			Subsystem: "worker",
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently being processed.",
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courierd",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Task processing duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"task_type"}),
	}
}

// ObserveEmailSendDuration implements engine.SenderMetrics.
func (m *Metrics) ObserveEmailSendDuration(seconds float64) {
	m.EmailSendDuration.Observe(seconds)
}

// IncSMTPConnection implements engine.SenderMetrics.
func (m *Metrics) IncSMTPConnection(mxHost, result string) {
	m.SMTPConnectionsTotal.WithLabelValues(mxHost, result).Inc()
}
