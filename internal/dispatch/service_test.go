package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/delivery-engine/internal/notification"
	"github.com/alexnthnz/delivery-engine/internal/queue"
	"github.com/alexnthnz/delivery-engine/internal/retry"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) SendNotification(ctx context.Context, record notification.Record) (*notification.DeliveryResult, error) {
	args := m.Called(ctx, record)
	res, _ := args.Get(0).(*notification.DeliveryResult)
	return res, args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishNotification(ctx context.Context, msg queue.NotificationMessage) error {
	return m.Called(ctx, msg).Error(0)
}

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestService(d Dispatcher, p Publisher) (*Service, *[]time.Duration) {
	s := NewService(d, p, Config{
		MaxAttempts: 3,
		Backoff: retry.BackoffPolicy{
			BaseDelay: time.Second,
			MaxDelay:  time.Minute,
			Rand:      func() float64 { return 0.5 },
		},
	}, nil, nil)
	s.now = func() time.Time { return fixedNow }

	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, &slept
}

func smsMessage(attempt int) queue.NotificationMessage {
	return queue.NotificationMessage{
		ID:        "n-1",
		UserID:    "u-1",
		Channel:   "SMS",
		Recipient: "+14155552671",
		Message:   "hello",
		Attempt:   attempt,
	}
}

func sentResult(id string, channel notification.Channel, results ...notification.TokenResult) *notification.DeliveryResult {
	return notification.NewDeliveryResult(id, channel, results, fixedNow, fixedNow)
}

func TestService_HandleSuccess(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	p := new(mockPublisher)
	s, _ := newTestService(d, p)

	d.On("SendNotification", mock.Anything, mock.MatchedBy(func(r notification.Record) bool {
		return r.Channel == notification.ChannelSMS
	})).Return(sentResult("n-1", notification.ChannelSMS, notification.TokenResult{Success: true}), nil).Once()

	require.NoError(t, s.Handle(context.Background(), smsMessage(1)))
	p.AssertNotCalled(t, "PublishNotification", mock.Anything, mock.Anything)
	d.AssertExpectations(t)
}

func TestService_HandleRequeuesRetryable(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	p := new(mockPublisher)
	s, _ := newTestService(d, p)

	d.On("SendNotification", mock.Anything, mock.Anything).
		Return(nil, &notification.DeliveryError{Channel: notification.ChannelSMS, Code: notification.CodeTimeout, Retryable: true}).Once()

	var published queue.NotificationMessage
	p.On("PublishNotification", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(1).(queue.NotificationMessage) }).
		Return(nil).Once()

	require.NoError(t, s.Handle(context.Background(), smsMessage(1)))
	assert.Equal(t, 2, published.Attempt)
	assert.Equal(t, "sms", published.Channel)
	assert.Equal(t, fixedNow.Add(time.Second), published.NotBefore)

	p.AssertExpectations(t)
}

func TestService_HandleBackoffGrowsWithAttempt(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	p := new(mockPublisher)
	s, _ := newTestService(d, p)

	d.On("SendNotification", mock.Anything, mock.Anything).
		Return(nil, &notification.DeliveryError{Retryable: true}).Once()
	p.On("PublishNotification", mock.Anything, mock.MatchedBy(func(m queue.NotificationMessage) bool {
		return m.Attempt == 3 && m.NotBefore.Equal(fixedNow.Add(2*time.Second))
	})).Return(nil).Once()

	require.NoError(t, s.Handle(context.Background(), smsMessage(2)))
	p.AssertExpectations(t)
}

func TestService_HandleFatalIsNotRequeued(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	p := new(mockPublisher)
	s, _ := newTestService(d, p)

	fatal := notification.NewValidationError(notification.ChannelSMS, notification.CodeInvalidRecipient, "", errors.New("bad number"))
	d.On("SendNotification", mock.Anything, mock.Anything).Return(nil, fatal).Once()

	err := s.Handle(context.Background(), smsMessage(1))
	assert.ErrorIs(t, err, notification.ErrValidation)
	p.AssertNotCalled(t, "PublishNotification", mock.Anything, mock.Anything)
}

func TestService_HandleStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	p := new(mockPublisher)
	s, _ := newTestService(d, p)

	d.On("SendNotification", mock.Anything, mock.Anything).
		Return(nil, &notification.DeliveryError{Code: notification.CodeTimeout, Retryable: true}).Once()

	err := s.Handle(context.Background(), smsMessage(3))
	assert.ErrorIs(t, err, notification.ErrRetriesExhausted)
	p.AssertNotCalled(t, "PublishNotification", mock.Anything, mock.Anything)
}

func TestService_HandleWithoutPublisher(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	s, _ := newTestService(d, nil)

	d.On("SendNotification", mock.Anything, mock.Anything).
		Return(nil, &notification.DeliveryError{Retryable: true}).Once()

	assert.Error(t, s.Handle(context.Background(), smsMessage(1)))
}

func TestService_HandlePartialPushRequeuesRetryableTokens(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	p := new(mockPublisher)
	s, _ := newTestService(d, p)

	result := sentResult("n-2", notification.ChannelPush,
		notification.TokenResult{DeviceToken: "ok", Success: true},
		notification.TokenResult{DeviceToken: "dead", Error: "registration-token-not-registered"},
		notification.TokenResult{DeviceToken: "later", Error: "unavailable: try again"},
	)
	d.On("SendNotification", mock.Anything, mock.Anything).Return(result, nil).Once()

	var published queue.NotificationMessage
	p.On("PublishNotification", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(1).(queue.NotificationMessage) }).
		Return(nil).Once()

	msg := queue.NotificationMessage{ID: "n-2", Channel: "push", Recipient: `["ok","dead","later"]`, Subject: "s", Message: "m", Attempt: 1}
	require.NoError(t, s.Handle(context.Background(), msg))

	var tokens []string
	require.NoError(t, json.Unmarshal([]byte(published.Recipient), &tokens))
	assert.Equal(t, []string{"later"}, tokens)
	assert.Equal(t, 2, published.Attempt)
}

func TestService_HandlePartialPushWithOnlyDeadTokens(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	p := new(mockPublisher)
	s, _ := newTestService(d, p)

	result := sentResult("n-3", notification.ChannelPush,
		notification.TokenResult{DeviceToken: "ok", Success: true},
		notification.TokenResult{DeviceToken: "dead", Error: "BadDeviceToken (status 400)"},
	)
	d.On("SendNotification", mock.Anything, mock.Anything).Return(result, nil).Once()

	msg := queue.NotificationMessage{ID: "n-3", Channel: "push", Recipient: `["ok","dead"]`, Subject: "s", Message: "m", Attempt: 1}
	require.NoError(t, s.Handle(context.Background(), msg))
	p.AssertNotCalled(t, "PublishNotification", mock.Anything, mock.Anything)
}

func TestService_HandleAllFailedPushNarrowsTokens(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	p := new(mockPublisher)
	s, _ := newTestService(d, p)

	result := sentResult("n-4", notification.ChannelPush,
		notification.TokenResult{DeviceToken: "dead", Error: "Unregistered (status 410)"},
		notification.TokenResult{DeviceToken: "slow", Error: "provider timeout: context deadline exceeded"},
	)
	d.On("SendNotification", mock.Anything, mock.Anything).
		Return(nil, &notification.PushNotificationError{Retryable: true, Result: result, Err: notification.ErrAllTargetsFailed}).Once()
	p.On("PublishNotification", mock.Anything, mock.MatchedBy(func(m queue.NotificationMessage) bool {
		return m.Recipient == `["slow"]`
	})).Return(nil).Once()

	msg := queue.NotificationMessage{ID: "n-4", Channel: "push", Recipient: `["dead","slow"]`, Subject: "s", Message: "m", Attempt: 1}
	require.NoError(t, s.Handle(context.Background(), msg))
	p.AssertExpectations(t)
}

func TestService_HandleWaitsForNotBefore(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	s, slept := newTestService(d, nil)
	d.On("SendNotification", mock.Anything, mock.Anything).
		Return(sentResult("n-1", notification.ChannelSMS, notification.TokenResult{Success: true}), nil).Once()

	msg := smsMessage(2)
	msg.NotBefore = fixedNow.Add(3 * time.Second)
	require.NoError(t, s.Handle(context.Background(), msg))
	assert.Equal(t, []time.Duration{3 * time.Second}, *slept)
}

func TestService_HandleRejectsUnknownChannel(t *testing.T) {
	t.Parallel()

	d := new(mockDispatcher)
	s, _ := newTestService(d, nil)

	msg := smsMessage(1)
	msg.Channel = "fax"
	err := s.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, notification.ErrValidation)
	d.AssertNotCalled(t, "SendNotification", mock.Anything, mock.Anything)
}
