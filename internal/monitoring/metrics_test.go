package monitoring_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/delivery-engine/internal/monitoring"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	m := monitoring.NewMetrics(prometheus.NewRegistry())

	m.RecordNotificationSent("push", "partial")
	m.RecordNotificationFailed("sms", "RETRIES_EXHAUSTED")
	m.RecordAttempt("sms", "failure")
	m.RecordAttempt("sms", "failure")
	m.RecordRetry("sms", "SMS_30001")
	m.RecordPushTarget("fcm", true)
	m.RecordPushTarget("fcm", false)
	m.RecordRequeue("push")
	m.SetPushHealth("degraded", "healthy", "degraded", "unhealthy")

	assert.InDelta(t, 1, testutil.ToFloat64(m.NotificationsSent.WithLabelValues("push", "partial")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("sms", "failure")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PushTargets.WithLabelValues("fcm", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PushTargets.WithLabelValues("fcm", "failure")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Requeued.WithLabelValues("push")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PushHealth.WithLabelValues("degraded")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.PushHealth.WithLabelValues("healthy")), 0)

	m.SetPushHealth("healthy", "healthy", "degraded", "unhealthy")
	assert.InDelta(t, 0, testutil.ToFloat64(m.PushHealth.WithLabelValues("degraded")), 0)
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *monitoring.Metrics
	assert.NotPanics(t, func() {
		m.RecordNotificationSent("email", "sent")
		m.RecordNotificationFailed("email", "x")
		m.RecordProcessingDuration("email", "dispatch", 0.1)
		m.RecordChannelDuration("email", 0.1)
		m.RecordAttempt("email", "success")
		m.RecordRetry("sms", "x")
		m.RecordPushTarget("apns", true)
		m.SetPushHealth("healthy", "healthy")
		m.RecordRequeue("sms")
	})
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := monitoring.NewMetrics(prometheus.NewRegistry())
	m.RecordRequeue("sms")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `notifications_requeued_total{channel="sms"} 1`)
}
