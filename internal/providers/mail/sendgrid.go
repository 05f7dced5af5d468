// Package mail contains EmailTransport implementations.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/channels"
)

var ErrMissingAPIKey = errors.New("sendgrid api key is required")

const (
	sendGridHost     = "https://api.sendgrid.com"
	sendGridEndpoint = "/v3/mail/send"
	// DefaultHTTPTimeout bounds one provider API call
	DefaultHTTPTimeout = 30 * time.Second
)

// SendGridTransport sends email through the SendGrid v3 API
type SendGridTransport struct {
	send       func(ctx context.Context, email *sgmail.SGMailV3) (int, string, map[string][]string, error)
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSendGridTransport creates a SendGrid transport
func NewSendGridTransport(apiKey string, logger *zap.Logger) (*SendGridTransport, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{Timeout: DefaultHTTPTimeout}
	client := &rest.Client{HTTPClient: httpClient}
	t := &SendGridTransport{httpClient: httpClient, logger: logger.Named("sendgrid")}
	t.send = func(ctx context.Context, email *sgmail.SGMailV3) (int, string, map[string][]string, error) {
		req := sendgrid.GetRequest(apiKey, sendGridEndpoint, sendGridHost)
		req.Method = rest.Post
		req.Body = sgmail.GetRequestBody(email)
		resp, err := client.SendWithContext(ctx, req)
		if err != nil {
			return 0, "", nil, err
		}
		return resp.StatusCode, resp.Body, resp.Headers, nil
	}
	return t, nil
}

// SendEmail implements channels.EmailTransport
func (t *SendGridTransport) SendEmail(ctx context.Context, msg channels.EmailMessage) (string, error) {
	message := BuildSendGridMail(msg)

	status, body, headers, err := t.send(ctx, message)
	if err != nil {
		return "", fmt.Errorf("sendgrid request failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("sendgrid returned status %d: %s", status, body)
	}

	messageID := msg.MessageID
	if ids, ok := headers["X-Message-Id"]; ok && len(ids) > 0 {
		messageID = ids[0]
	}
	t.logger.Debug("Email accepted by SendGrid", zap.String("message_id", messageID))
	return messageID, nil
}

// Close drops idle provider connections
func (t *SendGridTransport) Close() error {
	if t.httpClient != nil {
		t.httpClient.CloseIdleConnections()
	}
	return nil
}

// BuildSendGridMail converts an EmailMessage into a SendGrid v3 mail
func BuildSendGridMail(msg channels.EmailMessage) *sgmail.SGMailV3 {
	from := sgmail.NewEmail(msg.FromName, msg.From)
	to := sgmail.NewEmail("", msg.To)
	message := sgmail.NewSingleEmail(from, msg.Subject, to, msg.Text, msg.HTML)

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		message.SetHeader(k, msg.Headers[k])
	}
	if msg.MessageID != "" {
		message.SetHeader("X-Message-Ref", msg.MessageID)
	}
	if msg.ReplyTo != "" {
		message.SetReplyTo(sgmail.NewEmail("", msg.ReplyTo))
	}
	return message
}
