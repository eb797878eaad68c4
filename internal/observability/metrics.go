package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce            sync.Once
	httpRequestsTotal       *prometheus.CounterVec
	httpLatencySeconds      *prometheus.HistogramVec
	httpErrorsTotal         *prometheus.CounterVec
	alertsPublishedTotal    *prometheus.CounterVec
	alertValidationFailures *prometheus.CounterVec
	alertsUnread            prometheus.Gauge
	alertsActive            prometheus.Gauge
	alertStreamClients      prometheus.Gauge
	alertSnapshotRecords    prometheus.Gauge
	alertActivityRequests   *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		alertsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_published_total",
			Help: "Alerts admitted into the store or received from peer nodes.",
		}, []string{"category", "priority"})

		alertValidationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_validation_failures_total",
			Help: "Alerts rejected at ingestion, by offending field.",
		}, []string{"field"})

		alertsUnread = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alerts_unread",
			Help: "Current number of unread alerts.",
		})

		alertsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alerts_active",
			Help: "Current number of unresolved alerts.",
		})

		alertStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alert_stream_clients",
			Help: "Connected SSE and websocket alert subscribers.",
		})

		alertSnapshotRecords = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alert_snapshot_records",
			Help: "Records written by the latest alert snapshot.",
		})

		alertActivityRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_activity_requests_total",
			Help: "Activity feed requests by cache result.",
		}, []string{"result"})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			alertsPublishedTotal,
			alertValidationFailures,
			alertsUnread,
			alertsActive,
			alertStreamClients,
			alertSnapshotRecords,
			alertActivityRequests,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// AlertsPublishedTotal exposes the published alerts counter.
func AlertsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return alertsPublishedTotal
}

// AlertValidationFailures exposes the rejected alerts counter.
func AlertValidationFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return alertValidationFailures
}

// AlertsUnread exposes the unread gauge.
func AlertsUnread() prometheus.Gauge {
	RegisterMetrics()
	return alertsUnread
}

// AlertsActive exposes the active gauge.
func AlertsActive() prometheus.Gauge {
	RegisterMetrics()
	return alertsActive
}

// AlertStreamClients exposes the connected subscriber gauge.
func AlertStreamClients() prometheus.Gauge {
	RegisterMetrics()
	return alertStreamClients
}

// AlertSnapshotRecords exposes the snapshot size gauge.
func AlertSnapshotRecords() prometheus.Gauge {
	RegisterMetrics()
	return alertSnapshotRecords
}

// AlertActivityRequests exposes the activity feed cache counter.
func AlertActivityRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return alertActivityRequests
}

// MetricsHandler exposes the Prometheus scrape endpoint via Fiber.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}
