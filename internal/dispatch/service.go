// Package dispatch drives the channel adapters from upstream notification events.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/classify"
	"github.com/alexnthnz/delivery-engine/internal/monitoring"
	"github.com/alexnthnz/delivery-engine/internal/notification"
	"github.com/alexnthnz/delivery-engine/internal/queue"
	"github.com/alexnthnz/delivery-engine/internal/retry"
)

// Dispatcher routes a record to its channel adapter
type Dispatcher interface {
	SendNotification(ctx context.Context, record notification.Record) (*notification.DeliveryResult, error)
}

// Publisher republishes messages for a later attempt
type Publisher interface {
	PublishNotification(ctx context.Context, msg queue.NotificationMessage) error
}

// Config controls upstream re-queueing
type Config struct {
	// MaxAttempts bounds deliveries of one message, the first one included
	MaxAttempts int
	Backoff     retry.BackoffPolicy
}

// Service handles notification dispatch and re-queueing
type Service struct {
	dispatcher Dispatcher
	retries    Publisher
	config     Config
	classifier classify.PushClassifier
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewService creates a new dispatch service. A nil retries publisher disables re-queueing.
func NewService(dispatcher Dispatcher, retries Publisher, cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()
	return &Service{
		dispatcher: dispatcher,
		retries:    retries,
		config:     cfg,
		metrics:    metrics,
		logger:     logger.Named("dispatch"),
		now:        time.Now,
		sleep:      retry.Sleep,
	}
}

// Dispatch sends a record synchronously
func (s *Service) Dispatch(ctx context.Context, record notification.Record) (*notification.DeliveryResult, error) {
	start := s.now()
	result, err := s.dispatcher.SendNotification(ctx, record)
	s.metrics.RecordProcessingDuration(string(record.Channel), "dispatch", s.now().Sub(start).Seconds())

	if err != nil {
		s.logger.Warn("Notification dispatch failed",
			zap.String("id", record.ID),
			zap.String("channel", string(record.Channel)),
			zap.String("code", notification.ErrorCode(err)),
			zap.Bool("retryable", notification.IsRetryable(err)),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("Notification dispatched",
		zap.String("id", record.ID),
		zap.String("channel", string(record.Channel)),
		zap.String("status", string(result.Status())),
	)
	return result, nil
}

// Handle processes one queue message: it waits for NotBefore, dispatches,
// and republishes retryable failures until MaxAttempts is reached.
func (s *Service) Handle(ctx context.Context, msg queue.NotificationMessage) error {
	if wait := msg.NotBefore.Sub(s.now()); wait > 0 {
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}

	record, err := msg.ToRecord()
	if err != nil {
		s.metrics.RecordNotificationFailed(msg.Channel, notification.CodeValidation)
		return notification.NewValidationError(notification.Channel(msg.Channel), notification.CodeValidation, "", err)
	}
	attempt := max(msg.Attempt, 1)

	result, err := s.Dispatch(ctx, record)
	if err == nil {
		// partial push delivery: retry only the failed tokens that may succeed later
		if result.Outcome() == notification.OutcomePartial && record.Channel == notification.ChannelPush {
			if tokens := s.retryableTokens(result); len(tokens) > 0 {
				return s.requeue(ctx, withTokens(record, tokens), attempt)
			}
		}
		return nil
	}

	if !notification.IsRetryable(err) {
		return err
	}

	var pushErr *notification.PushNotificationError
	if errors.As(err, &pushErr) && pushErr.Result != nil {
		if tokens := s.retryableTokens(pushErr.Result); len(tokens) > 0 {
			record = withTokens(record, tokens)
		}
	}
	if rerr := s.requeue(ctx, record, attempt); rerr != nil {
		return errors.Join(err, rerr)
	}
	return nil
}

func (s *Service) requeue(ctx context.Context, record notification.Record, attempt int) error {
	if s.retries == nil {
		return errors.New("re-queueing disabled")
	}
	if attempt >= s.config.MaxAttempts {
		s.logger.Error("Giving up on notification",
			zap.String("id", record.ID),
			zap.String("channel", string(record.Channel)),
			zap.Int("attempts", attempt),
		)
		return notification.ErrRetriesExhausted
	}

	next := queue.FromRecord(record, attempt+1)
	next.NotBefore = s.now().Add(s.config.Backoff.Delay(attempt - 1)).UTC()
	if err := s.retries.PublishNotification(ctx, next); err != nil {
		return err
	}

	s.metrics.RecordRequeue(string(record.Channel))
	s.logger.Info("Notification re-queued",
		zap.String("id", record.ID),
		zap.Int("next_attempt", next.Attempt),
		zap.Time("not_before", next.NotBefore),
	)
	return nil
}

func (s *Service) retryableTokens(result *notification.DeliveryResult) []string {
	var tokens []string
	for _, f := range result.Failed() {
		if s.classifier.ClassifyReason(f.Error).Retryable() {
			tokens = append(tokens, f.DeviceToken)
		}
	}
	return tokens
}

// withTokens narrows a push record to tokens
func withTokens(record notification.Record, tokens []string) notification.Record {
	out := record.Clone()
	raw, _ := json.Marshal(tokens)
	out.Recipient = string(raw)
	return out
}
