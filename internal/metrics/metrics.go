// Package metrics exposes Prometheus metrics for the dispatch engine
// on a dedicated registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Sendflock
type Metrics struct {
	// Delivery counters
	MessagesSentTotal   prometheus.Counter
	MessagesFailedTotal *prometheus.CounterVec

	// Batch counters
	BatchesProcessedTotal prometheus.Counter
	BatchesRetriedTotal   prometheus.Counter
	BatchesExhaustedTotal prometheus.Counter

	// Campaign counters
	CampaignsEnqueuedTotal prometheus.Counter
	CampaignsFinishedTotal *prometheus.CounterVec
	CampaignsPausedTotal   prometheus.Counter

	// Queue gauges
	QueuePending prometheus.Gauge
	QueueDelayed prometheus.Gauge
	QueueActive  prometheus.Gauge
	QueueParked  prometheus.Gauge

	// Delivery timing
	SendDurationSeconds prometheus.Histogram

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// Progress push
	ProgressSubscribers prometheus.Gauge
	ProgressDropsTotal  prometheus.Counter

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendflock_messages_sent_total",
				Help: "Total number of successfully delivered messages",
			},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendflock_messages_failed_total",
				Help: "Total number of failed messages",
			},
			[]string{"reason"},
		),

		BatchesProcessedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendflock_batches_processed_total",
				Help: "Total number of batch jobs resolved",
			},
		),
		BatchesRetriedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendflock_batches_retried_total",
				Help: "Total number of batch retry attempts scheduled",
			},
		),
		BatchesExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendflock_batches_exhausted_total",
				Help: "Total number of batches that ran out of retry attempts",
			},
		),

		CampaignsEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendflock_campaigns_enqueued_total",
				Help: "Total number of campaigns admitted to the queue",
			},
		),
		CampaignsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendflock_campaigns_finished_total",
				Help: "Total number of campaigns that reached a terminal status",
			},
			[]string{"status"},
		),
		CampaignsPausedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendflock_campaigns_paused_total",
				Help: "Total number of pause operations applied",
			},
		),

		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendflock_queue_pending",
				Help: "Number of jobs ready for dispatch",
			},
		),
		QueueDelayed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendflock_queue_delayed",
				Help: "Number of jobs waiting for their dispatch time",
			},
		),
		QueueActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendflock_queue_active",
				Help: "Number of jobs claimed by workers",
			},
		),
		QueueParked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendflock_queue_parked",
				Help: "Number of jobs parked by paused campaigns",
			},
		),

		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sendflock_send_duration_seconds",
				Help:    "Per-recipient transport send duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendflock_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sendflock_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		ProgressSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendflock_progress_subscribers",
				Help: "Number of connected progress observers",
			},
		),
		ProgressDropsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendflock_progress_drops_total",
				Help: "Total number of progress updates dropped on slow connections",
			},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendflock_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendflock_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.BatchesProcessedTotal,
		m.BatchesRetriedTotal,
		m.BatchesExhaustedTotal,
		m.CampaignsEnqueuedTotal,
		m.CampaignsFinishedTotal,
		m.CampaignsPausedTotal,
		m.QueuePending,
		m.QueueDelayed,
		m.QueueActive,
		m.QueueParked,
		m.SendDurationSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.ProgressSubscribers,
		m.ProgressDropsTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent() {
	m := Global()
	if m != nil {
		m.MessagesSentTotal.Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(reason string) {
	m := Global()
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(reason).Inc()
	}
}

// IncBatchesProcessed increments the resolved batch counter
func IncBatchesProcessed() {
	m := Global()
	if m != nil {
		m.BatchesProcessedTotal.Inc()
	}
}

// IncBatchesRetried increments the batch retry counter
func IncBatchesRetried() {
	m := Global()
	if m != nil {
		m.BatchesRetriedTotal.Inc()
	}
}

// IncBatchesExhausted increments the retries-exhausted counter
func IncBatchesExhausted() {
	m := Global()
	if m != nil {
		m.BatchesExhaustedTotal.Inc()
	}
}

// IncCampaignsEnqueued increments the admitted campaign counter
func IncCampaignsEnqueued() {
	m := Global()
	if m != nil {
		m.CampaignsEnqueuedTotal.Inc()
	}
}

// IncCampaignsFinished increments the terminal campaign counter
func IncCampaignsFinished(status string) {
	m := Global()
	if m != nil {
		m.CampaignsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// IncCampaignsPaused increments the pause counter
func IncCampaignsPaused() {
	m := Global()
	if m != nil {
		m.CampaignsPausedTotal.Inc()
	}
}

// ObserveSendDuration records one transport send duration
func ObserveSendDuration(seconds float64) {
	m := Global()
	if m != nil {
		m.SendDurationSeconds.Observe(seconds)
	}
}

// SetProgressSubscribers sets the connected observer gauge
func SetProgressSubscribers(n int) {
	m := Global()
	if m != nil {
		m.ProgressSubscribers.Set(float64(n))
	}
}

// IncProgressDrops increments the dropped update counter
func IncProgressDrops() {
	m := Global()
	if m != nil {
		m.ProgressDropsTotal.Inc()
	}
}
