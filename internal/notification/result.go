package notification

import "time"

// TokenResult is the outcome of a delivery to one target. For email and SMS
// DeviceToken holds the (masked) address or phone number.
type TokenResult struct {
	DeviceToken string   `json:"device_token"`
	Success     bool     `json:"success"`
	Provider    Provider `json:"provider,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Outcome classifies a DeliveryResult
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
)

// DeliveryResult aggregates per-target results of one delivery.
type DeliveryResult struct {
	NotificationID string        `json:"notification_id"`
	Channel        Channel       `json:"channel"`
	TotalTargets   int           `json:"total_targets"`
	SuccessCount   int           `json:"success_count"`
	FailureCount   int           `json:"failure_count"`
	Results        []TokenResult `json:"results"`
	DeliveredAt    time.Time     `json:"delivered_at"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// NewDeliveryResult reduces per-target results into counts. The counts always
// satisfy SuccessCount+FailureCount == TotalTargets == len(Results).
func NewDeliveryResult(id string, channel Channel, results []TokenResult, started, finished time.Time) *DeliveryResult {
	res := &DeliveryResult{
		NotificationID: id,
		Channel:        channel,
		TotalTargets:   len(results),
		Results:        results,
		DeliveredAt:    finished,
		ProcessingTime: finished.Sub(started),
	}
	for _, r := range results {
		if r.Success {
			res.SuccessCount++
		} else {
			res.FailureCount++
		}
	}
	return res
}

// Outcome returns complete, partial or failed.
func (r *DeliveryResult) Outcome() Outcome {
	switch {
	case r.FailureCount == 0 && r.TotalTargets > 0:
		return OutcomeComplete
	case r.SuccessCount == 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

// Status maps the outcome onto a delivery status
func (r *DeliveryResult) Status() Status {
	switch r.Outcome() {
	case OutcomeComplete:
		return StatusSent
	case OutcomePartial:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// Failed returns the results of failed targets
func (r *DeliveryResult) Failed() []TokenResult {
	var failed []TokenResult
	for _, res := range r.Results {
		if !res.Success {
			failed = append(failed, res)
		}
	}
	return failed
}

// MessageIDs returns provider message IDs of successful targets
func (r *DeliveryResult) MessageIDs() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Success && res.MessageID != "" {
			ids = append(ids, res.MessageID)
		}
	}
	return ids
}
