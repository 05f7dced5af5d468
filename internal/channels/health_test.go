package channels

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthStats_Thresholds(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		sent   int
		failed int
		want   HealthStatus
	}{
		{"no traffic", 0, 0, HealthHealthy},
		{"clean", 100, 0, HealthHealthy},
		{"at degraded threshold", 95, 5, HealthHealthy},
		{"degraded", 94, 6, HealthDegraded},
		{"at unhealthy threshold", 90, 10, HealthDegraded},
		{"unhealthy", 89, 11, HealthUnhealthy},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := NewHealthStats(start)
			h.Record(tt.sent, tt.failed, time.Second, start)
			assert.Equal(t, tt.want, h.Health(start.Add(time.Minute)).Status)
		})
	}
}

func TestHealthStats_Idle(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	h := NewHealthStats(start)

	assert.Equal(t, HealthHealthy, h.Health(start.Add(MaxIdle)).Status)
	assert.Equal(t, HealthDegraded, h.Health(start.Add(MaxIdle+time.Second)).Status)

	h.Record(1, 0, time.Millisecond, start.Add(10*time.Minute))
	assert.Equal(t, HealthHealthy, h.Health(start.Add(11*time.Minute)).Status)
}

func TestHealthStats_Recovery(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	h := NewHealthStats(now)

	h.Record(0, 5, time.Second, now)
	report := h.Health(now)
	assert.Equal(t, HealthUnhealthy, report.Status)
	assert.InDelta(t, 1.0, report.FailureRate, 1e-9)

	h.Record(95, 0, time.Second, now)
	report = h.Health(now)
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Equal(t, int64(95), report.Stats.TotalSent)
	assert.Equal(t, int64(5), report.Stats.TotalFailures)
	assert.Equal(t, 2*time.Second, report.Stats.TotalProcessingTime)
}

func TestHealthStats_ConcurrentRecord(t *testing.T) {
	t.Parallel()

	now := time.Now()
	h := NewHealthStats(now)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Record(2, 1, time.Millisecond, now)
		}()
	}
	wg.Wait()

	snap := h.Snapshot()
	assert.Equal(t, int64(100), snap.TotalSent)
	assert.Equal(t, int64(50), snap.TotalFailures)
	assert.Equal(t, 50*time.Millisecond, snap.TotalProcessingTime)
}
