package channels

import (
	"sync"
	"time"
)

// HealthStatus of the push adapter
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// AllHealthStatuses lists every status, used to reset gauges
var AllHealthStatuses = []string{string(HealthHealthy), string(HealthDegraded), string(HealthUnhealthy)}

const (
	UnhealthyFailureRate = 0.10
	DegradedFailureRate  = 0.05
	MaxIdle              = 5 * time.Minute
)

// HealthSnapshot is a point in time copy of the push counters
type HealthSnapshot struct {
	TotalSent           int64         `json:"total_sent"`
	TotalFailures       int64         `json:"total_failures"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
	LastActivityAt      time.Time     `json:"last_activity_at"`
}

// FailureRate returns failures over all attempted targets
func (s HealthSnapshot) FailureRate() float64 {
	total := s.TotalSent + s.TotalFailures
	if total == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(total)
}

// Status derives the health status at now
func (s HealthSnapshot) Status(now time.Time) HealthStatus {
	rate := s.FailureRate()
	switch {
	case rate > UnhealthyFailureRate:
		return HealthUnhealthy
	case rate > DegradedFailureRate, now.Sub(s.LastActivityAt) > MaxIdle:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// HealthReport is returned by health checks
type HealthReport struct {
	Status      HealthStatus   `json:"status"`
	FailureRate float64        `json:"failure_rate"`
	Stats       HealthSnapshot `json:"stats"`
}

// HealthStats holds process lifetime push counters. Safe for concurrent use.
type HealthStats struct {
	mu    sync.Mutex
	stats HealthSnapshot
}

// NewHealthStats starts the idle clock at now
func NewHealthStats(now time.Time) *HealthStats {
	return &HealthStats{stats: HealthSnapshot{LastActivityAt: now}}
}

// Record adds the outcome of one send
func (h *HealthStats) Record(sent, failed int, elapsed time.Duration, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.TotalSent += int64(sent)
	h.stats.TotalFailures += int64(failed)
	h.stats.TotalProcessingTime += elapsed
	if at.After(h.stats.LastActivityAt) {
		h.stats.LastActivityAt = at
	}
}

// Snapshot returns a copy of the counters
func (h *HealthStats) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Health reports the status at now
func (h *HealthStats) Health(now time.Time) HealthReport {
	snap := h.Snapshot()
	return HealthReport{
		Status:      snap.Status(now),
		FailureRate: snap.FailureRate(),
		Stats:       snap,
	}
}
