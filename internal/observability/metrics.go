package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucasbenitezc/servidor-scraping/internal/scraper"
	"github.com/lucasbenitezc/servidor-scraping/internal/session"
)

const namespace = "scraper"

var (
	registerOnce sync.Once

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
	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "sessions_open",
			Help:      "Browser sessions currently held by the pool.",
		},
	)
	sessionEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Session evictions by reason.",
		},
		[]string{"reason"},
	)
	admissionRejects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "capacity_rejections_total",
			Help:      "Acquisitions refused because the pool was full.",
		},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portal",
			Name:      "operations_total",
			Help:      "Portal operations by service, kind and outcome code.",
		},
		[]string{"service", "operation", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "portal",
			Name:      "operation_duration_seconds",
			Help:      "Portal operation duration in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"service", "operation"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionsOpen, sessionEvictions, admissionRejects,
			operations, operationDuration,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// PoolMetrics feeds session pool events into the package collectors.
type PoolMetrics struct{}

var _ session.Observer = PoolMetrics{}

func (PoolMetrics) SessionCreated(session.Info) {
	RegisterMetrics()
	sessionsOpen.Inc()
}

func (PoolMetrics) SessionEvicted(_ session.Info, reason session.Reason) {
	RegisterMetrics()
	sessionsOpen.Dec()
	sessionEvictions.WithLabelValues(string(reason)).Inc()
}

func (PoolMetrics) CapacityRejected(string) {
	RegisterMetrics()
	admissionRejects.Inc()
}

// OperationMetrics counts orchestrator outcomes.
type OperationMetrics struct{}

var _ scraper.Observer = OperationMetrics{}

func (OperationMetrics) OperationFinished(e scraper.OperationEvent) {
	RecordOperation(e.Service, e.Operation, string(e.Code), e.Duration)
}

func RecordOperation(service, operation, outcome string, duration time.Duration) {
	RegisterMetrics()
	operations.WithLabelValues(service, operation, outcome).Inc()
	operationDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}
