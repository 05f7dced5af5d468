package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const insertEventQuery = `
	INSERT INTO delivery_events (id, notification_id, user_id, channel, event_type, level, recipient, attempt, code, error_message, duration_ms, details, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

// SQLRecorder appends audit events to the delivery_events table.
// Write failures are logged and never reach the delivery path.
type SQLRecorder struct {
	db      *sql.DB
	logger  *zap.Logger
	timeout time.Duration
}

// NewSQLRecorder creates a recorder backed by db
func NewSQLRecorder(db *sql.DB, logger *zap.Logger) *SQLRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLRecorder{db: db, logger: logger, timeout: 3 * time.Second}
}

// Record implements Recorder
func (r *SQLRecorder) Record(ctx context.Context, event Event) {
	event = Stamp(event)

	var details []byte
	if len(event.Fields) > 0 {
		b, err := json.Marshal(event.Fields)
		if err != nil {
			r.logger.Warn("Failed to encode audit details", zap.Error(err), zap.String("event_id", event.ID))
		} else {
			details = b
		}
	}

	// the write must not be cut short by a caller that has already returned
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, insertEventQuery,
		event.ID, event.NotificationID, event.UserID, string(event.Channel), event.Type, string(event.Level),
		event.Recipient, event.Attempt, event.Code, event.Error, event.Duration.Milliseconds(), nullJSON(details),
		event.OccurredAt,
	)
	if err != nil {
		r.logger.Error("Failed to persist audit event",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("event", event.Type),
		)
	}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
