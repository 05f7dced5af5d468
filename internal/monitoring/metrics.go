package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the delivery engine.
// Every recording method is safe to call on a nil *Metrics.
type Metrics struct {
	NotificationsSent         *prometheus.CounterVec
	NotificationsFailed       *prometheus.CounterVec
	NotificationLatency       *prometheus.HistogramVec
	ChannelProcessingDuration *prometheus.HistogramVec
	ProviderAttempts          *prometheus.CounterVec
	RetryCount                *prometheus.CounterVec
	PushTargets               *prometheus.CounterVec
	PushHealth                *prometheus.GaugeVec
	Requeued                  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates the metrics and registers them on reg. A nil reg uses the
// default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	metrics := &Metrics{
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_sent_total",
				Help: "Total number of notifications sent",
			},
			[]string{"channel", "status"},
		),
		NotificationsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_failed_total",
				Help: "Total number of failed notifications",
			},
			[]string{"channel", "error_type"},
		),
		NotificationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_processing_duration_seconds",
				Help:    "Time taken to process notifications",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel", "operation"},
		),
		ChannelProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "channel_processing_duration_seconds",
				Help:    "Time taken by channels to send notifications",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		ProviderAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_attempts_total",
				Help: "Total number of provider send attempts",
			},
			[]string{"channel", "result"},
		),
		RetryCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_retries_total",
				Help: "Total number of notification retries",
			},
			[]string{"channel", "retry_reason"},
		),
		PushTargets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_targets_total",
				Help: "Push device tokens by provider and result",
			},
			[]string{"provider", "result"},
		),
		PushHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "push_service_health",
				Help: "Current push health status (1 for the active status)",
			},
			[]string{"status"},
		),
		Requeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_requeued_total",
				Help: "Notifications republished to the retry topic",
			},
			[]string{"channel"},
		),
	}

	reg.MustRegister(
		metrics.NotificationsSent,
		metrics.NotificationsFailed,
		metrics.NotificationLatency,
		metrics.ChannelProcessingDuration,
		metrics.ProviderAttempts,
		metrics.RetryCount,
		metrics.PushTargets,
		metrics.PushHealth,
		metrics.Requeued,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		metrics.gatherer = g
	} else {
		metrics.gatherer = prometheus.DefaultGatherer
	}

	return metrics
}

// RecordNotificationSent records a sent notification
func (m *Metrics) RecordNotificationSent(channel, status string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(channel, status).Inc()
}

// RecordNotificationFailed records a failed notification
func (m *Metrics) RecordNotificationFailed(channel, errorType string) {
	if m == nil {
		return
	}
	m.NotificationsFailed.WithLabelValues(channel, errorType).Inc()
}

// RecordProcessingDuration records processing duration
func (m *Metrics) RecordProcessingDuration(channel, operation string, duration float64) {
	if m == nil {
		return
	}
	m.NotificationLatency.WithLabelValues(channel, operation).Observe(duration)
}

// RecordChannelDuration records channel processing duration
func (m *Metrics) RecordChannelDuration(channel string, duration float64) {
	if m == nil {
		return
	}
	m.ChannelProcessingDuration.WithLabelValues(channel).Observe(duration)
}

// RecordAttempt records one provider call
func (m *Metrics) RecordAttempt(channel, result string) {
	if m == nil {
		return
	}
	m.ProviderAttempts.WithLabelValues(channel, result).Inc()
}

// RecordRetry records a notification retry
func (m *Metrics) RecordRetry(channel, reason string) {
	if m == nil {
		return
	}
	m.RetryCount.WithLabelValues(channel, reason).Inc()
}

// RecordPushTarget records the result of one device token
func (m *Metrics) RecordPushTarget(provider string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.PushTargets.WithLabelValues(provider, result).Inc()
}

// SetPushHealth flags the active push health status
func (m *Metrics) SetPushHealth(active string, all ...string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.PushHealth.WithLabelValues(s).Set(0)
	}
	m.PushHealth.WithLabelValues(active).Set(1)
}

// RecordRequeue records a notification sent to the retry topic
func (m *Metrics) RecordRequeue(channel string) {
	if m == nil {
		return
	}
	m.Requeued.WithLabelValues(channel).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
