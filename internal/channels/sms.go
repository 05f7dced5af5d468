package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/audit"
	"github.com/alexnthnz/delivery-engine/internal/classify"
	"github.com/alexnthnz/delivery-engine/internal/monitoring"
	"github.com/alexnthnz/delivery-engine/internal/notification"
	"github.com/alexnthnz/delivery-engine/internal/retry"
)

const (
	// DefaultMaxSMSChars is the provider concatenation limit
	DefaultMaxSMSChars = 1600
	truncationMarker   = "..."
)

var e164Regex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
var phoneStripRegex = regexp.MustCompile(`[^\d+]`)

// SMSMessage is the provider envelope handed to an SMSProvider
type SMSMessage struct {
	To   string
	From string
	Body string
}

// SMSReceipt is returned by the provider on success
type SMSReceipt struct {
	SID    string
	Status string
}

// SMSProvider sends one SMS. Failures should be *notification.ProviderError
// when the provider returned an application error code.
type SMSProvider interface {
	SendSMS(ctx context.Context, msg SMSMessage) (*SMSReceipt, error)
}

// SMSConfig configures the SMS adapter
type SMSConfig struct {
	FromNumber     string
	AttemptTimeout time.Duration
	MaxBodyChars   int
	Backoff        retry.BackoffPolicy
}

// SMSOptions are per-call options for Send
type SMSOptions struct {
	From           string
	NotificationID string
	UserID         string
}

// SMSResult is the successful outcome of Send
type SMSResult struct {
	SID       string
	Status    string
	Attempts  int
	Truncated bool
}

// RetryState tracks one Send invocation
type RetryState struct {
	Attempt   int
	LastError error
	NextDelay time.Duration
}

// SMSChannel sends SMS with bounded retries
type SMSChannel struct {
	provider   SMSProvider
	config     SMSConfig
	classifier classify.ErrorClassifier
	recorder   audit.Recorder
	metrics    *monitoring.Metrics
	logger     *zap.Logger

	// sleep waits between attempts; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSMSChannel creates a new SMS channel
func NewSMSChannel(provider SMSProvider, cfg SMSConfig, recorder audit.Recorder, metrics *monitoring.Metrics, logger *zap.Logger) *SMSChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = DefaultMaxSMSChars
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()

	return &SMSChannel{
		provider:   provider,
		config:     cfg,
		classifier: classify.SMSClassifier{},
		recorder:   recorder,
		metrics:    metrics,
		logger:     logger.Named("sms"),
		sleep:      retry.Sleep,
	}
}

// ValidatePhoneNumber strips formatting characters and checks E.164.
func ValidatePhoneNumber(raw string) (string, bool) {
	normalized := phoneStripRegex.ReplaceAllString(raw, "")
	return normalized, e164Regex.MatchString(normalized)
}

// SanitizeSMSBody removes control characters (keeping newlines and tabs),
// trims, and truncates to maxChars with a visible marker.
func SanitizeSMSBody(body string, maxChars int) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, body)
	cleaned = strings.TrimSpace(cleaned)

	if maxChars <= 0 || utf8.RuneCountInString(cleaned) <= maxChars {
		return cleaned, false
	}
	runes := []rune(cleaned)
	keep := maxChars - len(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	return strings.TrimSpace(string(runes[:keep])) + truncationMarker, true
}

// SendNotification renders the record and sends it via Send
func (s *SMSChannel) SendNotification(ctx context.Context, record notification.Record) (*notification.DeliveryResult, error) {
	started := time.Now()
	record = record.Clone()

	if err := checkChannel(record, notification.ChannelSMS); err != nil {
		return nil, err
	}

	body := notification.Render(record.Message, record.TemplateData)
	res, err := s.Send(ctx, record.Recipient, body, SMSOptions{
		NotificationID: record.ID,
		UserID:         record.UserID,
	})
	if err != nil {
		return nil, err
	}

	normalized, _ := ValidatePhoneNumber(record.Recipient)
	return notification.NewDeliveryResult(record.ID, notification.ChannelSMS, []notification.TokenResult{{
		DeviceToken: notification.MaskPhone(normalized),
		Success:     true,
		MessageID:   res.SID,
	}}, started, time.Now()), nil
}

// Send delivers body to the E.164 number to, retrying transient failures.
func (s *SMSChannel) Send(ctx context.Context, to, body string, opts SMSOptions) (*SMSResult, error) {
	started := time.Now()
	phone, ok := ValidatePhoneNumber(to)
	masked := notification.MaskPhone(phone)
	if !ok {
		err := notification.NewValidationError(notification.ChannelSMS, notification.CodeInvalidRecipient, masked,
			errors.New("phone number is not in E.164 format"))
		s.recordFinal(ctx, opts, masked, audit.SMSFailed, 0, err, started)
		return nil, err
	}

	text, truncated := SanitizeSMSBody(body, s.config.MaxBodyChars)
	if text == "" {
		err := notification.NewValidationError(notification.ChannelSMS, notification.CodeEmptyBody, masked,
			errors.New("message body is empty after sanitization"))
		s.recordFinal(ctx, opts, masked, audit.SMSFailed, 0, err, started)
		return nil, err
	}
	if truncated {
		s.logger.Warn("SMS body truncated",
			zap.String("id", opts.NotificationID),
			zap.Int("max_chars", s.config.MaxBodyChars),
		)
	}

	from := opts.From
	if from == "" {
		from = s.config.FromNumber
	}
	msg := SMSMessage{To: phone, From: from, Body: text}

	policy := s.config.Backoff
	state := RetryState{}
	for state.Attempt = 1; state.Attempt <= policy.MaxAttempts; state.Attempt++ {
		attemptStart := time.Now()
		receipt, err := s.attempt(ctx, msg)
		if err == nil {
			s.metrics.RecordAttempt(string(notification.ChannelSMS), "success")
			s.recorder.Record(ctx, audit.Event{
				Type:           audit.SMSSent,
				Channel:        notification.ChannelSMS,
				NotificationID: opts.NotificationID,
				UserID:         opts.UserID,
				Recipient:      masked,
				Attempt:        state.Attempt,
				Duration:       time.Since(started),
				Fields:         map[string]any{"sid": receipt.SID, "status": receipt.Status, "truncated": truncated},
			})
			s.logger.Info("Successfully sent SMS notification",
				zap.String("id", opts.NotificationID),
				zap.String("sid", receipt.SID),
				zap.Int("attempt", state.Attempt),
			)
			return &SMSResult{SID: receipt.SID, Status: receipt.Status, Attempts: state.Attempt, Truncated: truncated}, nil
		}

		state.LastError = err
		class := s.classifier.Classify(err)
		s.metrics.RecordAttempt(string(notification.ChannelSMS), "failure")
		s.recorder.Record(ctx, audit.Event{
			Type:           audit.SMSAttempt,
			Level:          audit.LevelWarn,
			Channel:        notification.ChannelSMS,
			NotificationID: opts.NotificationID,
			UserID:         opts.UserID,
			Recipient:      masked,
			Attempt:        state.Attempt,
			Code:           class.Code,
			Error:          err.Error(),
			Duration:       time.Since(attemptStart),
			Fields:         map[string]any{"retryable": class.Retryable()},
		})

		if !class.Retryable() {
			derr := &notification.DeliveryError{
				Channel:   notification.ChannelSMS,
				Kind:      class.Kind,
				Code:      class.Code,
				Retryable: false,
				Recipient: masked,
				Attempts:  state.Attempt,
				Err:       err,
			}
			s.recordFinal(ctx, opts, masked, audit.SMSFailed, state.Attempt, derr, started)
			return nil, derr
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, s.interrupted(ctx, opts, masked, class, state, ctxErr, started)
		}
		if state.Attempt == policy.MaxAttempts {
			break
		}

		state.NextDelay = policy.Delay(state.Attempt - 1)
		s.metrics.RecordRetry(string(notification.ChannelSMS), class.Code)
		s.recorder.Record(ctx, audit.Event{
			Type:           audit.SMSRetry,
			Level:          audit.LevelWarn,
			Channel:        notification.ChannelSMS,
			NotificationID: opts.NotificationID,
			UserID:         opts.UserID,
			Recipient:      masked,
			Attempt:        state.Attempt,
			Code:           class.Code,
			Fields:         map[string]any{"next_delay_ms": state.NextDelay.Milliseconds()},
		})
		s.logger.Warn("SMS attempt failed, retrying",
			zap.String("id", opts.NotificationID),
			zap.Int("attempt", state.Attempt),
			zap.Duration("delay", state.NextDelay),
			zap.Error(err),
		)

		if err := s.sleep(ctx, state.NextDelay); err != nil {
			return nil, s.interrupted(ctx, opts, masked, class, state, err, started)
		}
	}

	// the bound has been applied: callers must not retry again
	last := s.classifier.Classify(state.LastError)
	derr := &notification.DeliveryError{
		Channel:   notification.ChannelSMS,
		Kind:      last.Kind,
		Code:      notification.CodeRetriesExhausted,
		Retryable: false,
		Recipient: masked,
		Attempts:  policy.MaxAttempts,
		Err:       fmt.Errorf("%w after %d attempts: %w", notification.ErrRetriesExhausted, policy.MaxAttempts, state.LastError),
	}
	s.recordFinal(ctx, opts, masked, audit.SMSFailed, policy.MaxAttempts, derr, started)
	return nil, derr
}

// GetChannelType returns the channel type
func (s *SMSChannel) GetChannelType() notification.Channel {
	return notification.ChannelSMS
}

// attempt races a single provider call against the attempt timeout
func (s *SMSChannel) attempt(ctx context.Context, msg SMSMessage) (*SMSReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.AttemptTimeout)
	defer cancel()

	type outcome struct {
		receipt *SMSReceipt
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		receipt, err := s.provider.SendSMS(ctx, msg)
		done <- outcome{receipt, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, s.timeoutError()
		}
		if out.err == nil && out.receipt == nil {
			return nil, errors.New("provider returned no receipt")
		}
		return out.receipt, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, s.timeoutError()
		}
		return nil, ctx.Err()
	}
}

// interrupted builds the error for a send abandoned because ctx ended.
// The message may still be delivered by a later requeue.
func (s *SMSChannel) interrupted(ctx context.Context, opts SMSOptions, masked string, class classify.Classification, state RetryState, ctxErr error, started time.Time) *notification.DeliveryError {
	cause := state.LastError
	if !errors.Is(cause, ctxErr) {
		cause = errors.Join(cause, ctxErr)
	}
	derr := &notification.DeliveryError{
		Channel:   notification.ChannelSMS,
		Kind:      class.Kind,
		Code:      class.Code,
		Retryable: true,
		Recipient: masked,
		Attempts:  state.Attempt,
		Err:       cause,
	}
	s.recordFinal(ctx, opts, masked, audit.SMSFailed, state.Attempt, derr, started)
	return derr
}

func (s *SMSChannel) timeoutError() error {
	return fmt.Errorf("%w after %s", notification.ErrTimeout, s.config.AttemptTimeout)
}

func (s *SMSChannel) recordFinal(ctx context.Context, opts SMSOptions, masked, eventType string, attempts int, err *notification.DeliveryError, started time.Time) {
	s.recorder.Record(ctx, audit.Event{
		Type:           eventType,
		Level:          audit.LevelError,
		Channel:        notification.ChannelSMS,
		NotificationID: opts.NotificationID,
		UserID:         opts.UserID,
		Recipient:      masked,
		Attempt:        attempts,
		Code:           err.Code,
		Error:          err.Error(),
		Duration:       time.Since(started),
		Fields:         map[string]any{"retryable": err.Retryable},
	})
	s.logger.Error("SMS notification failed",
		zap.String("id", opts.NotificationID),
		zap.String("recipient", masked),
		zap.String("code", err.Code),
		zap.Int("attempts", attempts),
		zap.Error(err.Err),
	)
}
