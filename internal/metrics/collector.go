// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the Prometheus metrics of one worker
// process.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Pool metrics
	poolUnitsAvailable prometheus.Gauge
	poolUnitsAllocated prometheus.Gauge
	poolUnitsTotal     prometheus.Gauge
	poolSpawnsTotal    *prometheus.CounterVec
	poolDestroysTotal  prometheus.Counter

	// Session metrics
	sessionsActive        prometheus.Gauge
	sessionsCreatedTotal  prometheus.Counter
	sessionsExpiredTotal  prometheus.Counter
	sessionsReleasedTotal *prometheus.CounterVec

	// Execution metrics
	executionsTotal      *prometheus.CounterVec
	executionDuration    *prometheus.HistogramVec
	validationRejections *prometheus.CounterVec

	// Transfer metrics
	transferBytesTotal *prometheus.CounterVec

	// Router metrics
	forwardsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on reg. A nil reg uses the
// default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.poolUnitsAvailable = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_units_available",
			Help:      "Idle units ready for allocation",
		},
	)

	c.poolUnitsAllocated = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_units_allocated",
			Help:      "Units currently bound to sessions",
		},
	)

	c.poolUnitsTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_units_total",
			Help:      "Total live units",
		},
	)

	c.poolSpawnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_spawns_total",
			Help:      "Total unit spawn attempts",
		},
		[]string{"result"}, // result: ok, error
	)

	c.poolDestroysTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_destroys_total",
			Help:      "Total units destroyed",
		},
	)

	c.sessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently active",
		},
	)

	c.sessionsCreatedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total sessions created",
		},
	)

	c.sessionsExpiredTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total sessions expired by the idle sweeper",
		},
	)

	c.sessionsReleasedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_released_total",
			Help:      "Total sessions released",
		},
		[]string{"reason"}, // reason: closed, expired, fault
	)

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total command executions",
		},
		[]string{"status"}, // status: ok, timeout, rejected, fault
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Command execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	c.validationRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Commands rejected by the safety gate",
		},
		[]string{"rule"},
	)

	c.transferBytesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Workspace file bytes transferred",
		},
		[]string{"direction"}, // direction: upload, download
	)

	c.forwardsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_forwards_total",
			Help:      "Requests forwarded to workers",
		},
		[]string{"worker", "result"}, // result: ok, error
	)

	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetPoolStats updates the pool occupancy gauges.
func (c *Collector) SetPoolStats(available, allocated, total int) {
	c.poolUnitsAvailable.Set(float64(available))
	c.poolUnitsAllocated.Set(float64(allocated))
	c.poolUnitsTotal.Set(float64(total))
}

// RecordSpawn records a unit spawn attempt.
func (c *Collector) RecordSpawn(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.poolSpawnsTotal.WithLabelValues(result).Inc()
}

// RecordDestroy records a destroyed unit.
func (c *Collector) RecordDestroy() {
	c.poolDestroysTotal.Inc()
}

// SessionOpened records a newly created session.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
	c.sessionsCreatedTotal.Inc()
}

// SessionReleased records a session leaving the registry.
func (c *Collector) SessionReleased(reason string) {
	c.sessionsActive.Dec()
	c.sessionsReleasedTotal.WithLabelValues(reason).Inc()
	if reason == "expired" {
		c.sessionsExpiredTotal.Inc()
	}
}

// RecordExecution records one command execution outcome.
func (c *Collector) RecordExecution(status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordValidationRejection records a command blocked by the safety gate.
func (c *Collector) RecordValidationRejection(rule string) {
	c.validationRejections.WithLabelValues(rule).Inc()
}

// RecordTransfer records bytes moved in or out of a workspace.
func (c *Collector) RecordTransfer(direction string, bytes int64) {
	c.transferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordForward records a routed request.
func (c *Collector) RecordForward(worker string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.forwardsTotal.WithLabelValues(worker, result).Inc()
}
