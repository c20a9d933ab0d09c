package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chat_relay"

// Delivery outcomes of a routed message or read notification.
const (
	OutcomeDelivered = "delivered"
	OutcomeOffline   = "offline"
	OutcomeDropped   = "dropped"
)

var (
	registerOnce sync.Once

	sessionsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "sessions_online",
			Help:      "Identities currently holding a live session.",
		},
	)
	routedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "routed_total",
			Help:      "Routed messages and read receipts by delivery outcome.",
		},
		[]string{"kind", "outcome"},
	)
	persistenceJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "jobs_total",
			Help:      "Persistence jobs by kind and final status.",
		},
		[]string{"kind", "status"},
	)
	persistenceBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "backlog_jobs",
			Help:      "Jobs waiting in the backlog of each persistence shard.",
		},
		[]string{"shard"},
	)
	persistenceBackpressure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "backpressure_total",
			Help:      "Jobs that made routing wait because their shard backlog was full.",
		},
		[]string{"shard"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Worker restarts after a crash or a panic.",
		},
		[]string{"worker"},
	)
	connectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections_closed_total",
			Help:      "Closed live connections by reason.",
		},
		[]string{"reason"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsOnline, routedEvents,
			persistenceJobs, persistenceBacklog, persistenceBackpressure,
			workerRestarts, connectionsClosed,
			httpRequests, httpDuration,
		)
	})
}

func SetSessionsOnline(n int) {
	RegisterMetrics()
	sessionsOnline.Set(float64(n))
}

func RecordRouted(kind, outcome string) {
	RegisterMetrics()
	routedEvents.WithLabelValues(kind, outcome).Inc()
}

func RecordPersistence(kind string, err error) {
	RegisterMetrics()
	status := "ok"
	if err != nil {
		status = "failed"
	}
	persistenceJobs.WithLabelValues(kind, status).Inc()
}

func SetPersistenceBacklog(shard, n int) {
	RegisterMetrics()
	persistenceBacklog.WithLabelValues(strconv.Itoa(shard)).Set(float64(n))
}

func RecordPersistenceBackpressure(shard int) {
	RegisterMetrics()
	persistenceBackpressure.WithLabelValues(strconv.Itoa(shard)).Inc()
}

func RecordWorkerRestart(worker string) {
	RegisterMetrics()
	workerRestarts.WithLabelValues(worker).Inc()
}

func RecordConnectionClosed(reason string) {
	RegisterMetrics()
	connectionsClosed.WithLabelValues(reason).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
