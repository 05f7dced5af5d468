package audit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alexnthnz/delivery-engine/internal/audit"
	"github.com/alexnthnz/delivery-engine/internal/notification"
)

type memoryRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *memoryRecorder) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestStamp(t *testing.T) {
	t.Parallel()

	e := audit.Stamp(audit.Event{Type: audit.SMSSent})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, audit.LevelInfo, e.Level)
	assert.False(t, e.OccurredAt.IsZero())

	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	kept := audit.Stamp(audit.Event{ID: "ev-1", Level: audit.LevelError, OccurredAt: at})
	assert.Equal(t, "ev-1", kept.ID)
	assert.Equal(t, audit.LevelError, kept.Level)
	assert.Equal(t, at, kept.OccurredAt)
}

func TestZapRecorder_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level audit.Level
		want  zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{audit.LevelInfo, zapcore.InfoLevel},
		{audit.LevelWarn, zapcore.WarnLevel},
		{audit.LevelError, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.level), func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.DebugLevel)
			rec := audit.NewZapRecorder(zap.New(core))

			rec.Record(context.Background(), audit.Event{Type: audit.SMSRetry, Level: tt.level})

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.want, entry.Level)
			assert.Equal(t, "audit", entry.LoggerName)
		})
	}
}

func TestZapRecorder_Fields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	rec := audit.NewZapRecorder(zap.New(core))

	rec.Record(context.Background(), audit.Event{
		Type:           audit.SMSFailed,
		Level:          audit.LevelError,
		Channel:        notification.ChannelSMS,
		NotificationID: "n-1",
		Recipient:      "+14*****2671",
		Attempt:        3,
		Code:           notification.CodeRetriesExhausted,
		Error:          "boom",
	})
	rec.Record(context.Background(), audit.Event{Type: audit.EmailSent})

	require.Equal(t, 2, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, audit.SMSFailed, ctx["event"])
	assert.Equal(t, "sms", ctx["channel"])
	assert.Equal(t, "+14*****2671", ctx["recipient"])
	assert.EqualValues(t, 3, ctx["attempt"])
	assert.Equal(t, notification.CodeRetriesExhausted, ctx["code"])
	assert.NotEmpty(t, ctx["event_id"])

	bare := logs.All()[1].ContextMap()
	assert.NotContains(t, bare, "recipient")
	assert.NotContains(t, bare, "attempt")
	assert.NotContains(t, bare, "error")
}

func TestMulti_StampsOnce(t *testing.T) {
	t.Parallel()

	a, b := &memoryRecorder{}, &memoryRecorder{}
	audit.Multi{a, nil, b}.Record(context.Background(), audit.Event{Type: audit.PushSent})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.NotEmpty(t, a.events[0].ID)
	assert.Equal(t, a.events[0].ID, b.events[0].ID)
	assert.Equal(t, a.events[0].OccurredAt, b.events[0].OccurredAt)
}

func TestNop(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		audit.Nop{}.Record(context.Background(), audit.Event{})
	})
}
