package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/audit"
	"github.com/alexnthnz/delivery-engine/internal/monitoring"
	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// EmailMessage is the provider envelope handed to an EmailTransport
type EmailMessage struct {
	From      string
	FromName  string
	To        string
	Subject   string
	HTML      string
	Text      string
	Headers   map[string]string
	MessageID string
	ReplyTo   string
}

// EmailTransport sends a single email and returns the provider message id.
// Implementations own connection pooling and transport-level retry.
type EmailTransport interface {
	SendEmail(ctx context.Context, msg EmailMessage) (string, error)
}

// EmailConfig configures the email adapter
type EmailConfig struct {
	FromAddress   string
	FromName      string
	ReplyTo       string
	MessageDomain string
}

// emailEnvelope holds the fields of a record the email adapter requires
type emailEnvelope struct {
	ID         string `validate:"required"`
	UserID     string `validate:"required"`
	Recipient  string `validate:"required,email"`
	Subject    string `validate:"required"`
	Message    string `validate:"required"`
	TemplateID string `validate:"required"`
}

// EmailChannel handles email notifications through an EmailTransport
type EmailChannel struct {
	transport EmailTransport
	config    EmailConfig
	validate  *validator.Validate
	recorder  audit.Recorder
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	urgent    map[string]struct{}
}

// NewEmailChannel creates a new email channel
func NewEmailChannel(transport EmailTransport, cfg EmailConfig, recorder audit.Recorder, metrics *monitoring.Metrics, logger *zap.Logger) *EmailChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if cfg.MessageDomain == "" {
		cfg.MessageDomain = domainOf(cfg.FromAddress)
	}
	return &EmailChannel{
		transport: transport,
		config:    cfg,
		validate:  validator.New(),
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger.Named("email"),
		urgent:    toSet(DefaultUrgentTemplates),
	}
}

// SendNotification validates, renders and sends an email in a single attempt
func (e *EmailChannel) SendNotification(ctx context.Context, record notification.Record) (*notification.DeliveryResult, error) {
	started := time.Now()
	record = record.Clone()

	if err := checkChannel(record, notification.ChannelEmail); err != nil {
		return nil, err
	}
	masked := notification.MaskEmail(strings.TrimSpace(record.Recipient))
	if err := e.validateRecord(record); err != nil {
		derr := notification.NewValidationError(notification.ChannelEmail, notification.CodeValidation, masked, err)
		e.recordFailure(ctx, record, masked, derr, started)
		return nil, derr
	}

	msg := e.buildMessage(record)

	e.logger.Info("Sending email notification",
		zap.String("id", record.ID),
		zap.String("recipient", masked),
		zap.String("template_id", record.TemplateID),
	)

	providerID, err := e.transport.SendEmail(ctx, msg)
	if err != nil {
		e.metrics.RecordAttempt(string(notification.ChannelEmail), "failure")
		derr := &notification.DeliveryError{
			Channel:   notification.ChannelEmail,
			Kind:      notification.KindTransport,
			Code:      notification.CodeTransport,
			Retryable: false,
			Recipient: masked,
			Attempts:  1,
			Err:       err,
		}
		e.logger.Error("Failed to send email notification", zap.String("id", record.ID), zap.Error(err))
		e.recordFailure(ctx, record, masked, derr, started)
		return nil, derr
	}
	e.metrics.RecordAttempt(string(notification.ChannelEmail), "success")

	if providerID == "" {
		providerID = msg.MessageID
	}
	finished := time.Now()
	result := notification.NewDeliveryResult(record.ID, notification.ChannelEmail, []notification.TokenResult{{
		DeviceToken: masked,
		Success:     true,
		MessageID:   providerID,
	}}, started, finished)

	e.recorder.Record(ctx, audit.Event{
		Type:           audit.EmailSent,
		Channel:        notification.ChannelEmail,
		NotificationID: record.ID,
		UserID:         record.UserID,
		Recipient:      masked,
		Attempt:        1,
		Duration:       result.ProcessingTime,
		Fields: map[string]any{
			"message_id":  providerID,
			"template_id": record.TemplateID,
		},
	})
	e.logger.Info("Successfully sent email notification", zap.String("id", record.ID), zap.String("message_id", providerID))
	return result, nil
}

// GetChannelType returns the channel type
func (e *EmailChannel) GetChannelType() notification.Channel {
	return notification.ChannelEmail
}

// Close releases the transport if it holds resources
func (e *EmailChannel) Close() error {
	if c, ok := e.transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (e *EmailChannel) validateRecord(record notification.Record) error {
	env := emailEnvelope{
		ID:         strings.TrimSpace(record.ID),
		UserID:     strings.TrimSpace(record.UserID),
		Recipient:  strings.TrimSpace(record.Recipient),
		Subject:    strings.TrimSpace(record.Subject),
		Message:    strings.TrimSpace(record.Message),
		TemplateID: strings.TrimSpace(record.TemplateID),
	}
	if err := e.validate.Struct(env); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

func (e *EmailChannel) buildMessage(record notification.Record) EmailMessage {
	body := notification.RenderHTML(record.Message, record.TemplateData)
	priority := "normal"
	if _, ok := e.urgent[strings.ToLower(record.TemplateID)]; ok {
		priority = "high"
	}

	return EmailMessage{
		From:     e.config.FromAddress,
		FromName: e.config.FromName,
		To:       strings.TrimSpace(record.Recipient),
		Subject:  notification.Render(record.Subject, record.TemplateData),
		HTML:     body,
		Text:     notification.HTMLToText(body),
		Headers: map[string]string{
			"X-Notification-ID": record.ID,
			"X-User-ID":         record.UserID,
			"X-Template-ID":     record.TemplateID,
			"X-Priority":        priority,
		},
		MessageID: fmt.Sprintf("<%s@%s>", uuid.NewString(), e.config.MessageDomain),
		ReplyTo:   e.config.ReplyTo,
	}
}

func (e *EmailChannel) recordFailure(ctx context.Context, record notification.Record, masked string, err *notification.DeliveryError, started time.Time) {
	e.recorder.Record(ctx, audit.Event{
		Type:           audit.EmailFailed,
		Level:          audit.LevelError,
		Channel:        notification.ChannelEmail,
		NotificationID: record.ID,
		UserID:         record.UserID,
		Recipient:      masked,
		Attempt:        err.Attempts,
		Code:           err.Code,
		Error:          err.Error(),
		Duration:       time.Since(started),
	})
}

func domainOf(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		return address[at+1:]
	}
	return "localhost"
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}
