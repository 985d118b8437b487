package monitoring

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsService interface {
	// HTTP metrics
	RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration)

	// Settlement metrics
	RecordSeamless(method, outcome string, duration time.Duration)
	RecordSettlement(kind, outcome string, duration time.Duration)
	RecordWebhook(kind, outcome string)
	RecordBalanceMovement(reason string, amount float64)

	// Outbox and jobs
	RecordOutboxPublish(eventType string, success bool)
	RecordJobRun(job string, success bool, duration time.Duration)

	// External service metrics
	RecordExternalServiceCall(service, operation string, success bool, duration time.Duration)

	// System metrics
	RecordSystemMetrics()
	GetMetrics() map[string]interface{}
}

type prometheusMetrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Settlement metrics
	seamlessTotal        *prometheus.CounterVec
	seamlessDuration     *prometheus.HistogramVec
	settlementTotal      *prometheus.CounterVec
	settlementDuration   *prometheus.HistogramVec
	webhooksTotal        *prometheus.CounterVec
	balanceMovementTotal *prometheus.CounterVec

	// Outbox and jobs
	outboxPublishTotal *prometheus.CounterVec
	jobRunsTotal       *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec

	// External service metrics
	externalServiceCallsTotal *prometheus.CounterVec
	externalServiceDuration   *prometheus.HistogramVec

	// System metrics
	memoryUsageGauge    prometheus.Gauge
	goroutineCountGauge prometheus.Gauge
	uptimeGauge         prometheus.Gauge

	startTime time.Time
	mutex     sync.RWMutex
}

// NewPrometheusMetrics registers every collector on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusMetrics(reg prometheus.Registerer) MetricsService {
	m := &prometheusMetrics{
		startTime: time.Now(),
	}

	m.initMetrics(promauto.With(reg))
	return m
}

func (m *prometheusMetrics) initMetrics(factory promauto.Factory) {
	// HTTP metrics
	m.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	m.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_api_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Settlement metrics
	m.seamlessTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_seamless_requests_total",
			Help: "Total number of seamless wallet callbacks by outcome",
		},
		[]string{"method", "outcome"},
	)

	m.seamlessDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_api_seamless_duration_seconds",
			Help:    "Seamless callback processing duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"method"},
	)

	m.settlementTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_settlement_transitions_total",
			Help: "Total number of payment order status changes by outcome",
		},
		[]string{"kind", "outcome"},
	)

	m.settlementDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_api_settlement_duration_seconds",
			Help:    "Payment order settlement duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5},
		},
		[]string{"kind"},
	)

	m.webhooksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_webhooks_received_total",
			Help: "Total number of gateway webhooks received",
		},
		[]string{"kind", "outcome"},
	)

	m.balanceMovementTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_balance_movement_total",
			Help: "Absolute balance moved, in reais, by reason",
		},
		[]string{"reason"},
	)

	// Outbox and jobs
	m.outboxPublishTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_outbox_publish_total",
			Help: "Total number of outbox publish attempts",
		},
		[]string{"event_type", "success"},
	)

	m.jobRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_job_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"job", "success"},
	)

	m.jobDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_api_job_duration_seconds",
			Help:    "Scheduled job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
		},
		[]string{"job"},
	)

	// External service metrics
	m.externalServiceCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_external_service_calls_total",
			Help: "Total number of external service calls",
		},
		[]string{"service", "operation", "success"},
	)

	m.externalServiceDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_api_external_service_duration_seconds",
			Help:    "External service call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"service", "operation"},
	)

	// System metrics
	m.memoryUsageGauge = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_api_memory_usage_bytes",
			Help: "Current memory usage in bytes",
		},
	)

	m.goroutineCountGauge = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_api_goroutines_count",
			Help: "Current number of goroutines",
		},
	)

	m.uptimeGauge = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_api_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
}

// HTTP metrics implementation
func (m *prometheusMetrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, fmt.Sprintf("%d", statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Settlement metrics implementation
func (m *prometheusMetrics) RecordSeamless(method, outcome string, duration time.Duration) {
	m.seamlessTotal.WithLabelValues(method, outcome).Inc()
	m.seamlessDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *prometheusMetrics) RecordSettlement(kind, outcome string, duration time.Duration) {
	m.settlementTotal.WithLabelValues(kind, outcome).Inc()
	m.settlementDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *prometheusMetrics) RecordWebhook(kind, outcome string) {
	m.webhooksTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *prometheusMetrics) RecordBalanceMovement(reason string, amount float64) {
	if amount < 0 {
		amount = -amount
	}
	m.balanceMovementTotal.WithLabelValues(reason).Add(amount)
}

// Outbox and job metrics implementation
func (m *prometheusMetrics) RecordOutboxPublish(eventType string, success bool) {
	m.outboxPublishTotal.WithLabelValues(eventType, boolLabel(success)).Inc()
}

func (m *prometheusMetrics) RecordJobRun(job string, success bool, duration time.Duration) {
	m.jobRunsTotal.WithLabelValues(job, boolLabel(success)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// External service metrics implementation
func (m *prometheusMetrics) RecordExternalServiceCall(service, operation string, success bool, duration time.Duration) {
	m.externalServiceCallsTotal.WithLabelValues(service, operation, boolLabel(success)).Inc()
	m.externalServiceDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// System metrics implementation
func (m *prometheusMetrics) RecordSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.memoryUsageGauge.Set(float64(memStats.Alloc))
	m.goroutineCountGauge.Set(float64(runtime.NumGoroutine()))
	m.uptimeGauge.Set(time.Since(m.startTime).Seconds())
}

func (m *prometheusMetrics) GetMetrics() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"memory_usage":    memStats.Alloc,
		"goroutine_count": runtime.NumGoroutine(),
		"uptime_seconds":  time.Since(m.startTime).Seconds(),
		"start_time":      m.startTime,
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// StartSystemMetricsRecording samples runtime gauges until stop is closed.
func StartSystemMetricsRecording(metrics MetricsService, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.RecordSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}
