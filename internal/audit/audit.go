// Package audit records structured delivery events. Recipients are masked by
// the emitting adapter before an event reaches a Recorder.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// Level is the severity of an audit event
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event types emitted by the adapters
const (
	EmailSent          = "email.sent"
	EmailFailed        = "email.failed"
	SMSAttempt         = "sms.attempt"
	SMSRetry           = "sms.retry"
	SMSSent            = "sms.sent"
	SMSFailed          = "sms.failed"
	PushTokensDropped  = "push.tokens_dropped"
	PushSent           = "push.sent"
	PushPartialFailure = "push.partial_failure"
	PushFailed         = "push.failed"
)

// Event is a single audit record
type Event struct {
	ID             string               `json:"id"`
	Type           string               `json:"type"`
	Level          Level                `json:"level"`
	Channel        notification.Channel `json:"channel"`
	NotificationID string               `json:"notification_id,omitempty"`
	UserID         string               `json:"user_id,omitempty"`
	Recipient      string               `json:"recipient,omitempty"`
	Attempt        int                  `json:"attempt,omitempty"`
	Code           string               `json:"code,omitempty"`
	Error          string               `json:"error,omitempty"`
	Duration       time.Duration        `json:"duration,omitempty"`
	Fields         map[string]any       `json:"fields,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

// Recorder receives audit events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Stamp fills the ID, level and timestamp of an event if unset
func Stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return e
}

// ZapRecorder writes audit events to a zap logger
type ZapRecorder struct {
	logger *zap.Logger
}

// NewZapRecorder creates a recorder writing to logger
func NewZapRecorder(logger *zap.Logger) *ZapRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapRecorder{logger: logger.Named("audit")}
}

// Record implements Recorder
func (r *ZapRecorder) Record(_ context.Context, event Event) {
	event = Stamp(event)

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event", event.Type),
		zap.String("channel", string(event.Channel)),
		zap.String("notification_id", event.NotificationID),
		zap.String("user_id", event.UserID),
		zap.Time("occurred_at", event.OccurredAt),
	}
	if event.Recipient != "" {
		fields = append(fields, zap.String("recipient", event.Recipient))
	}
	if event.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", event.Attempt))
	}
	if event.Code != "" {
		fields = append(fields, zap.String("code", event.Code))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if event.Duration > 0 {
		fields = append(fields, zap.Duration("duration", event.Duration))
	}
	if len(event.Fields) > 0 {
		fields = append(fields, zap.Any("details", event.Fields))
	}

	r.logger.Log(zapLevel(event.Level), "delivery audit event", fields...)
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Multi fans an event out to several recorders
type Multi []Recorder

// Record implements Recorder
func (m Multi) Record(ctx context.Context, event Event) {
	event = Stamp(event)
	for _, r := range m {
		if r != nil {
			r.Record(ctx, event)
		}
	}
}

// Nop discards every event
type Nop struct{}

// Record implements Recorder
func (Nop) Record(context.Context, Event) {}
