package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func kafkaMessage(t *testing.T, offset int64, id string) kafka.Message {
	t.Helper()
	value, err := json.Marshal(NotificationMessage{ID: id, Channel: "sms", Attempt: 1})
	require.NoError(t, err)
	return kafka.Message{Topic: "notifications", Offset: offset, Value: value}
}

func TestConsumer_CommitsAfterHandler(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{pending: []kafka.Message{
		kafkaMessage(t, 1, "a"),
		{Topic: "notifications", Offset: 2, Value: []byte("not json")},
		kafkaMessage(t, 3, "b"),
	}}
	c := &Consumer{reader: reader, workers: 1, logger: zap.NewNop()}

	var mu sync.Mutex
	var handled []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.ConsumeNotifications(ctx, func(_ context.Context, msg NotificationMessage) error {
			mu.Lock()
			handled = append(handled, msg.ID)
			mu.Unlock()
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return len(reader.offsets()) == 3 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.ElementsMatch(t, []int64{1, 2, 3}, reader.offsets())
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, handled)
	mu.Unlock()
}

func TestConsumer_ShutdownLeavesOffsetUncommitted(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{pending: []kafka.Message{kafkaMessage(t, 7, "in-flight")}}
	c := &Consumer{reader: reader, workers: 1, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	err := c.ConsumeNotifications(ctx, func(hctx context.Context, _ NotificationMessage) error {
		cancel()
		<-hctx.Done()
		return hctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reader.offsets())
}
