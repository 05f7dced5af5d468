package mail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/channels"
)

var ErrMissingServerToken = errors.New("postmark server token is required")

// postmarkSender is the part of *postmark.Client used by the transport
type postmarkSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkTransport sends email through the Postmark transactional API
type PostmarkTransport struct {
	client     postmarkSender
	httpClient *http.Client
	logger     *zap.Logger
}

// NewPostmarkTransport creates a Postmark transport
func NewPostmarkTransport(serverToken, accountToken string, logger *zap.Logger) (*PostmarkTransport, error) {
	if serverToken == "" {
		return nil, ErrMissingServerToken
	}
	client := postmark.NewClient(serverToken, accountToken)
	client.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}

	t := newPostmarkTransport(client, logger)
	t.httpClient = client.HTTPClient
	return t, nil
}

func newPostmarkTransport(client postmarkSender, logger *zap.Logger) *PostmarkTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostmarkTransport{client: client, logger: logger.Named("postmark")}
}

// SendEmail implements channels.EmailTransport
func (t *PostmarkTransport) SendEmail(ctx context.Context, msg channels.EmailMessage) (string, error) {
	resp, err := t.client.SendEmail(ctx, BuildPostmarkEmail(msg))
	if err != nil {
		return "", fmt.Errorf("postmark request failed: %w", err)
	}
	if resp.ErrorCode > 0 {
		return "", fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}

	messageID := resp.MessageID
	if messageID == "" {
		messageID = msg.MessageID
	}
	t.logger.Debug("Email accepted by Postmark", zap.String("message_id", messageID))
	return messageID, nil
}

// Close drops idle provider connections
func (t *PostmarkTransport) Close() error {
	if t.httpClient != nil {
		t.httpClient.CloseIdleConnections()
	}
	return nil
}

// BuildPostmarkEmail converts an EmailMessage into a Postmark email
func BuildPostmarkEmail(msg channels.EmailMessage) postmark.Email {
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]postmark.Header, 0, len(keys)+1)
	for _, k := range keys {
		headers = append(headers, postmark.Header{Name: k, Value: msg.Headers[k]})
	}
	if msg.MessageID != "" {
		headers = append(headers, postmark.Header{Name: "Message-ID", Value: msg.MessageID})
	}

	return postmark.Email{
		From:     from,
		To:       msg.To,
		Subject:  msg.Subject,
		Tag:      msg.Headers["X-Template-ID"],
		HTMLBody: msg.HTML,
		TextBody: msg.Text,
		ReplyTo:  msg.ReplyTo,
		Headers:  headers,
	}
}
