package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	memoryMatchTotal    *prometheus.CounterVec
	memoryMatchDuration prometheus.Histogram
	memoryRejectedTotal *prometheus.CounterVec
	memoryEvictedTotal  prometheus.Counter
	memoryEvictionRuns  prometheus.Counter
	memoryRecords       prometheus.Gauge

	snapshotSaveDuration *prometheus.HistogramVec
	snapshotLoadDuration *prometheus.HistogramVec

	perceptionFrames          prometheus.Counter
	perceptionDetections      *prometheus.CounterVec
	perceptionConfidenceGate  prometheus.Gauge
	perceptionExtractDuration prometheus.Histogram

	gatewayRequestsTotal *prometheus.CounterVec
	gatewayClients       prometheus.Gauge
	rpcCallsTotal        *prometheus.CounterVec

	webhookDeliveriesTotal *prometheus.CounterVec
	webhookAttemptDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			memoryMatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_match_total",
					Help: "Total observations processed by outcome (new, known).",
				},
				[]string{"status"},
			),
			memoryMatchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_match_duration_seconds",
					Help:    "Match-or-create duration in seconds, including lock wait.",
					Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
				},
			),
			memoryRejectedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_rejected_total",
					Help: "Total observations rejected by reason.",
				},
				[]string{"reason"},
			),
			memoryEvictedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_evicted_total",
					Help: "Total records removed by eviction passes.",
				},
			),
			memoryEvictionRuns: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_eviction_runs_total",
					Help: "Total eviction passes.",
				},
			),
			memoryRecords: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_records",
					Help: "Current number of records in the store.",
				},
			),
			snapshotSaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_snapshot_save_duration_seconds",
					Help:    "Snapshot save duration in seconds by result.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"result"},
			),
			snapshotLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_snapshot_load_duration_seconds",
					Help:    "Snapshot load duration in seconds by result.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"result"},
			),
			perceptionFrames: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "perception_frames_total",
					Help: "Total frames processed.",
				},
			),
			perceptionDetections: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "perception_detections_total",
					Help: "Total detections by outcome (new, known, below_threshold, no_embedding, error).",
				},
				[]string{"outcome"},
			),
			perceptionConfidenceGate: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "perception_confidence_threshold",
					Help: "Current adaptive detection confidence threshold.",
				},
			),
			perceptionExtractDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "perception_extract_duration_seconds",
					Help:    "Embedding extraction duration per frame in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			gatewayRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_requests_total",
					Help: "Total gateway HTTP requests by route and status code.",
				},
				[]string{"route", "code"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_ws_clients",
					Help: "Current connected event stream clients.",
				},
			),
			rpcCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_rpc_calls_total",
					Help: "Total RPC calls by method and result (success, error, replayed, not_found).",
				},
				[]string{"method", "result"},
			),
			webhookDeliveriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webhook_deliveries_total",
					Help: "Total webhook deliveries by event and result (success, failure, dropped).",
				},
				[]string{"event", "result"},
			),
			webhookAttemptDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "webhook_attempt_duration_seconds",
					Help:    "Duration of single webhook POST attempts by event and result (success, failure).",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"event", "result"},
			),
		}

		prometheus.MustRegister(
			m.memoryMatchTotal,
			m.memoryMatchDuration,
			m.memoryRejectedTotal,
			m.memoryEvictedTotal,
			m.memoryEvictionRuns,
			m.memoryRecords,
			m.snapshotSaveDuration,
			m.snapshotLoadDuration,
			m.perceptionFrames,
			m.perceptionDetections,
			m.perceptionConfidenceGate,
			m.perceptionExtractDuration,
			m.gatewayRequestsTotal,
			m.gatewayClients,
			m.rpcCallsTotal,
			m.webhookDeliveriesTotal,
			m.webhookAttemptDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordMemoryMatch(status string, duration time.Duration) {
	m := getMetrics()
	m.memoryMatchTotal.WithLabelValues(status).Inc()
	m.memoryMatchDuration.Observe(duration.Seconds())
}

func RecordMemoryRejected(reason string) {
	m := getMetrics()
	m.memoryRejectedTotal.WithLabelValues(reason).Inc()
}

func RecordMemoryEviction(removed int) {
	m := getMetrics()
	m.memoryEvictionRuns.Inc()
	m.memoryEvictedTotal.Add(float64(removed))
}

func SetMemoryRecords(total int) {
	m := getMetrics()
	m.memoryRecords.Set(float64(total))
}

func RecordSnapshotSave(duration time.Duration, success bool) {
	m := getMetrics()
	m.snapshotSaveDuration.WithLabelValues(resultLabel(success)).Observe(duration.Seconds())
}

func RecordSnapshotLoad(duration time.Duration, success bool) {
	m := getMetrics()
	m.snapshotLoadDuration.WithLabelValues(resultLabel(success)).Observe(duration.Seconds())
}

func RecordFrame(extractDuration time.Duration) {
	m := getMetrics()
	m.perceptionFrames.Inc()
	m.perceptionExtractDuration.Observe(extractDuration.Seconds())
}

func RecordDetection(outcome string) {
	m := getMetrics()
	m.perceptionDetections.WithLabelValues(outcome).Inc()
}

func SetConfidenceThreshold(value float64) {
	m := getMetrics()
	m.perceptionConfidenceGate.Set(value)
}

func RecordGatewayRequest(route string, code int) {
	m := getMetrics()
	m.gatewayRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func SetGatewayClients(count int) {
	m := getMetrics()
	m.gatewayClients.Set(float64(count))
}

func RecordRPCCall(method, result string) {
	m := getMetrics()
	m.rpcCallsTotal.WithLabelValues(method, result).Inc()
}

func RecordWebhookDelivery(event, result string) {
	m := getMetrics()
	m.webhookDeliveriesTotal.WithLabelValues(event, result).Inc()
}

// ObserveWebhookAttempt records the latency of one delivery attempt
func ObserveWebhookAttempt(event string, ok bool, d time.Duration) {
	result := "failure"
	if ok {
		result = "success"
	}
	getMetrics().webhookAttemptDuration.WithLabelValues(event, result).Observe(d.Seconds())
}
