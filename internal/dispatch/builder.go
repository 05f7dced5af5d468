package dispatch

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/audit"
	"github.com/alexnthnz/delivery-engine/internal/channels"
	"github.com/alexnthnz/delivery-engine/internal/config"
	"github.com/alexnthnz/delivery-engine/internal/monitoring"
	"github.com/alexnthnz/delivery-engine/internal/providers/mail"
	"github.com/alexnthnz/delivery-engine/internal/providers/push"
	"github.com/alexnthnz/delivery-engine/internal/providers/sms"
	"github.com/alexnthnz/delivery-engine/internal/retry"
)

// Deps are the shared collaborators of the adapters
type Deps struct {
	Recorder audit.Recorder
	Metrics  *monitoring.Metrics
	Tokens   channels.TokenRegistry
	Logger   *zap.Logger
}

// Engine is the set of configured adapters
type Engine struct {
	Manager *channels.ChannelManager
	// Push is nil when no push provider is configured
	Push    *channels.PushChannel
	closers []io.Closer
}

// Close releases provider resources
func (e *Engine) Close() error {
	var first error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewEngine builds every adapter whose provider is configured. Channels
// without credentials are skipped with a warning.
func NewEngine(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &Engine{Manager: channels.NewChannelManager(deps.Metrics)}

	transport, err := newEmailTransport(cfg.Channels.Email, logger)
	switch {
	case err != nil:
		logger.Warn("Email channel disabled", zap.Error(err))
	default:
		email := channels.NewEmailChannel(transport, channels.EmailConfig{
			FromAddress: cfg.Channels.Email.FromAddress,
			FromName:    cfg.Channels.Email.FromName,
			ReplyTo:     cfg.Channels.Email.ReplyTo,
		}, deps.Recorder, deps.Metrics, logger)
		engine.Manager.RegisterChannel(email)
		engine.closers = append(engine.closers, email)
	}

	twilio, err := sms.NewTwilioClient(sms.TwilioConfig{
		AccountSID: cfg.Channels.Twilio.AccountSID,
		AuthToken:  cfg.Channels.Twilio.AuthToken,
		BaseURL:    cfg.Channels.Twilio.BaseURL,
	}, logger)
	if err != nil {
		logger.Warn("SMS channel disabled", zap.Error(err))
	} else {
		engine.Manager.RegisterChannel(channels.NewSMSChannel(twilio, channels.SMSConfig{
			FromNumber:     cfg.Channels.Twilio.FromNumber,
			AttemptTimeout: cfg.Channels.Twilio.AttemptTimeout,
			MaxBodyChars:   cfg.Delivery.SMS.MaxBodyChars,
			Backoff:        SMSBackoff(cfg.Delivery.SMS),
		}, deps.Recorder, deps.Metrics, logger))
	}

	senders, err := newPushSenders(ctx, cfg.Channels, logger)
	if err != nil {
		return nil, err
	}
	if len(senders) == 0 {
		logger.Warn("Push channel disabled: no provider configured")
		return engine, nil
	}

	var opts []channels.PushOption
	if deps.Tokens != nil {
		opts = append(opts, channels.WithTokenRegistry(deps.Tokens))
	}
	engine.Push = channels.NewPushChannel(push.NewMultiClient(logger, senders...), channels.PushConfig{
		SendTimeout:      cfg.Delivery.Push.SendTimeout,
		SuppressInvalid:  cfg.Delivery.Push.SuppressInvalid,
		UrgentTemplates:  cfg.Delivery.Push.UrgentTemplates,
		MaxDataValueSize: cfg.Delivery.Push.MaxDataValueSize,
	}, deps.Recorder, deps.Metrics, logger, opts...)
	engine.Manager.RegisterChannel(engine.Push)

	return engine, nil
}

// SMSBackoff converts the SMS delivery settings into a backoff policy
func SMSBackoff(cfg config.SMSDeliveryConfig) retry.BackoffPolicy {
	return retry.BackoffPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		JitterFactor: cfg.JitterFactor,
	}
}

func newEmailTransport(cfg config.EmailConfig, logger *zap.Logger) (channels.EmailTransport, error) {
	switch cfg.Provider {
	case "postmark":
		return mail.NewPostmarkTransport(cfg.Postmark.ServerToken, cfg.Postmark.AccountToken, logger)
	case "sendgrid", "":
		return mail.NewSendGridTransport(cfg.SendGrid.APIKey, logger)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

func newPushSenders(ctx context.Context, cfg config.ChannelsConfig, logger *zap.Logger) ([]push.Sender, error) {
	var senders []push.Sender

	if cfg.Firebase.Enabled && cfg.Firebase.CredentialsPath != "" {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		fcm, err := push.NewFCMSender(initCtx, cfg.Firebase.CredentialsPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM sender: %w", err)
		}
		senders = append(senders, fcm)
	}

	if cfg.APNS.Enabled {
		key, err := push.LoadAPNSKey(cfg.APNS.KeyPath)
		if err != nil {
			return nil, err
		}
		apns, err := push.NewAPNSSender(push.APNSConfig{
			KeyID:       cfg.APNS.KeyID,
			TeamID:      cfg.APNS.TeamID,
			Topic:       cfg.APNS.Topic,
			Production:  cfg.APNS.Production,
			Timeout:     cfg.APNS.Timeout,
			MaxInFlight: cfg.APNS.MaxInFlight,
		}, key, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create APNS sender: %w", err)
		}
		senders = append(senders, apns)
	}

	return senders, nil
}
