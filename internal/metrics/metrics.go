// Package metrics declares the Prometheus collectors the broker exposes on
// /metrics, grouped the way the teacher split connection/message/resource
// concerns into separate metric families.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the broker updates. A struct rather than
// package globals so cmd/scmaster can own its own prometheus.Registry
// instead of polluting prometheus.DefaultRegisterer.
type Registry struct {
	reg *prometheus.Registry

	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsRejected *prometheus.CounterVec

	MessagesPublished *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	BytesIn           prometheus.Counter
	BytesOut          prometheus.Counter

	QueueBacklogMessages *prometheus.GaugeVec
	QueueBacklogBytes    *prometheus.GaugeVec
	QueueSubscribers     *prometheus.GaugeVec

	ScmpCommands *prometheus.CounterVec
	ScsqlQueries *prometheus.CounterVec

	SlowClientsDisconnected prometheus.Counter
	RateLimited             *prometheus.CounterVec

	CPUPercent  prometheus.Gauge
	MemoryBytes prometheus.Gauge
	Goroutines  prometheus.Gauge

	ReactorTurnDuration *prometheus.HistogramVec
}

// New builds and registers every collector against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scmaster_sessions_total",
			Help: "Total number of sessions accepted.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scmaster_sessions_active",
			Help: "Currently open sessions across all queues.",
		}),
		SessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scmaster_sessions_rejected_total",
			Help: "Sessions rejected at admission, by reason.",
		}, []string{"reason"}),

		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scmaster_messages_published_total",
			Help: "Messages accepted by a queue, by queue and group.",
		}, []string{"queue", "group"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scmaster_messages_delivered_total",
			Help: "Messages delivered to subscribers, by queue.",
		}, []string{"queue"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scmaster_messages_dropped_total",
			Help: "Messages dropped before delivery, by queue and reason.",
		}, []string{"queue", "reason"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scmaster_bytes_in_total",
			Help: "Bytes read from client sockets.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scmaster_bytes_out_total",
			Help: "Bytes written to client sockets.",
		}),

		QueueBacklogMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scmaster_queue_backlog_messages",
			Help: "Retained messages held for replay, by queue.",
		}, []string{"queue"}),
		QueueBacklogBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scmaster_queue_backlog_bytes",
			Help: "Retained backlog size in bytes, by queue.",
		}, []string{"queue"}),
		QueueSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scmaster_queue_subscribers",
			Help: "Current subscriber count, by queue and group.",
		}, []string{"queue", "group"}),

		ScmpCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scmaster_scmp_commands_total",
			Help: "scmp verbs processed, by verb and result.",
		}, []string{"verb", "result"}),
		ScsqlQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scmaster_scsql_commands_total",
			Help: "scsql commands processed, by command and status.",
		}, []string{"command", "status"}),

		SlowClientsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scmaster_slow_clients_disconnected_total",
			Help: "Sessions disconnected for falling behind on delivery.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scmaster_rate_limited_total",
			Help: "Requests rejected by a rate limiter, by limiter.",
		}, []string{"limiter"}),

		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scmaster_process_cpu_percent",
			Help: "Process CPU usage percent, as sampled by the resource guard.",
		}),
		MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scmaster_process_memory_bytes",
			Help: "Go heap bytes allocated (runtime MemStats.Alloc), as sampled by the resource guard.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scmaster_goroutines",
			Help: "Current goroutine count.",
		}),

		ReactorTurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scmaster_reactor_turn_seconds",
			Help:    "Wall time spent processing one reactor turn.",
			Buckets: prometheus.DefBuckets,
		}, []string{"reactor"}),
	}

	reg.MustRegister(
		r.SessionsTotal, r.SessionsActive, r.SessionsRejected,
		r.MessagesPublished, r.MessagesDelivered, r.MessagesDropped,
		r.BytesIn, r.BytesOut,
		r.QueueBacklogMessages, r.QueueBacklogBytes, r.QueueSubscribers,
		r.ScmpCommands, r.ScsqlQueries,
		r.SlowClientsDisconnected, r.RateLimited,
		r.CPUPercent, r.MemoryBytes, r.Goroutines,
		r.ReactorTurnDuration,
	)

	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveReactorTurn records how long one reactor turn took.
func (r *Registry) ObserveReactorTurn(reactor string, d time.Duration) {
	r.ReactorTurnDuration.WithLabelValues(reactor).Observe(d.Seconds())
}
