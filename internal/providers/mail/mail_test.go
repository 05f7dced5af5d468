package mail

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/mrz1836/postmark"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/delivery-engine/internal/channels"
)

func testMessage() channels.EmailMessage {
	return channels.EmailMessage{
		From:     "alerts@bank.example",
		FromName: "Bank Alerts",
		To:       "alice@example.com",
		Subject:  "Card used",
		HTML:     "<p>Card used</p>",
		Text:     "Card used",
		Headers: map[string]string{
			"X-Notification-ID": "n-1",
			"X-Template-ID":     "fraud_alert",
		},
		MessageID: "<abc@bank.example>",
		ReplyTo:   "support@bank.example",
	}
}

func TestNewSendGridTransport_RequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewSendGridTransport("", nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestBuildSendGridMail(t *testing.T) {
	t.Parallel()

	m := BuildSendGridMail(testMessage())
	assert.Equal(t, "Card used", m.Subject)
	assert.Equal(t, "alerts@bank.example", m.From.Address)
	assert.Equal(t, "Bank Alerts", m.From.Name)
	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, "support@bank.example", m.ReplyTo.Address)
	assert.Equal(t, "n-1", m.Headers["X-Notification-ID"])
	assert.Equal(t, "<abc@bank.example>", m.Headers["X-Message-Ref"])
	require.Len(t, m.Content, 2)
	assert.Equal(t, "text/plain", m.Content[0].Type)
	assert.Equal(t, "text/html", m.Content[1].Type)
}

func TestSendGridTransport_SendEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		headers map[string][]string
		err     error
		wantID  string
		wantErr bool
	}{
		{
			name:    "provider message id",
			status:  202,
			headers: map[string][]string{"X-Message-Id": {"sg-123"}},
			wantID:  "sg-123",
		},
		{
			name:   "falls back on generated id",
			status: 202,
			wantID: "<abc@bank.example>",
		},
		{
			name:    "rejected",
			status:  400,
			wantErr: true,
		},
		{
			name:    "request error",
			err:     errors.New("dial tcp: connection refused"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			transport, err := NewSendGridTransport("key", nil)
			require.NoError(t, err)
			var got *sgmail.SGMailV3
			transport.send = func(_ context.Context, email *sgmail.SGMailV3) (int, string, map[string][]string, error) {
				got = email
				return tt.status, `{"errors":[]}`, tt.headers, tt.err
			}

			id, err := transport.SendEmail(context.Background(), testMessage())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, "Card used", got.Subject)
		})
	}
}

type mockPostmark struct {
	mock.Mock
}

func (m *mockPostmark) SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(postmark.EmailResponse), args.Error(1)
}

func TestBuildPostmarkEmail(t *testing.T) {
	t.Parallel()

	e := BuildPostmarkEmail(testMessage())
	assert.Equal(t, "Bank Alerts <alerts@bank.example>", e.From)
	assert.Equal(t, "alice@example.com", e.To)
	assert.Equal(t, "fraud_alert", e.Tag)
	assert.Equal(t, "support@bank.example", e.ReplyTo)
	assert.Equal(t, []postmark.Header{
		{Name: "X-Notification-ID", Value: "n-1"},
		{Name: "X-Template-ID", Value: "fraud_alert"},
		{Name: "Message-ID", Value: "<abc@bank.example>"},
	}, e.Headers)
}

func TestPostmarkTransport_SendEmail(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()

		client := new(mockPostmark)
		client.On("SendEmail", mock.Anything, mock.MatchedBy(func(e postmark.Email) bool {
			return e.Subject == "Card used"
		})).Return(postmark.EmailResponse{MessageID: "pm-1"}, nil).Once()

		id, err := newPostmarkTransport(client, nil).SendEmail(context.Background(), testMessage())
		require.NoError(t, err)
		assert.Equal(t, "pm-1", id)
		client.AssertExpectations(t)
	})

	t.Run("api error code", func(t *testing.T) {
		t.Parallel()

		client := new(mockPostmark)
		client.On("SendEmail", mock.Anything, mock.Anything).
			Return(postmark.EmailResponse{ErrorCode: 300, Message: "Invalid email request"}, nil).Once()

		_, err := newPostmarkTransport(client, nil).SendEmail(context.Background(), testMessage())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "300")
	})

	t.Run("request error", func(t *testing.T) {
		t.Parallel()

		client := new(mockPostmark)
		client.On("SendEmail", mock.Anything, mock.Anything).
			Return(postmark.EmailResponse{}, errors.New("timeout")).Once()

		_, err := newPostmarkTransport(client, nil).SendEmail(context.Background(), testMessage())
		assert.Error(t, err)
	})

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()

		_, err := NewPostmarkTransport("", "", nil)
		assert.ErrorIs(t, err, ErrMissingServerToken)
	})
}

func TestTransports_Close(t *testing.T) {
	t.Parallel()

	sg, err := NewSendGridTransport("key", nil)
	require.NoError(t, err)
	pm, err := NewPostmarkTransport("server-token", "", nil)
	require.NoError(t, err)

	for _, tr := range []channels.EmailTransport{sg, pm} {
		closer, ok := tr.(io.Closer)
		require.True(t, ok, "%T must release its connections", tr)
		assert.NoError(t, closer.Close())
	}

	require.NotNil(t, sg.httpClient)
	assert.Equal(t, DefaultHTTPTimeout, sg.httpClient.Timeout)
	require.NotNil(t, pm.httpClient)
	assert.Equal(t, DefaultHTTPTimeout, pm.httpClient.Timeout)
	assert.NotSame(t, sg.httpClient, pm.httpClient)

	assert.NoError(t, newPostmarkTransport(&mockPostmark{}, nil).Close())
}
