// Package push contains the push provider senders and the multi-provider client.
package push

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/alexnthnz/delivery-engine/internal/channels"
	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// maxMulticastTokens is the FCM limit of tokens per multicast request
const maxMulticastTokens = 500

// multicastSender is the part of *messaging.Client used by FCMSender
type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMSender sends push notifications using Firebase Cloud Messaging
type FCMSender struct {
	client multicastSender
	logger *zap.Logger
}

// NewFCMSender initializes a Firebase app from a service account file
func NewFCMSender(ctx context.Context, credentialsPath string, logger *zap.Logger) (*FCMSender, error) {
	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("firebase credentials file not found at %s", credentialsPath)
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}

	return newFCMSender(client, logger), nil
}

func newFCMSender(client multicastSender, logger *zap.Logger) *FCMSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FCMSender{client: client, logger: logger.Named("fcm")}
}

// Provider implements Sender
func (f *FCMSender) Provider() notification.Provider {
	return notification.ProviderFCM
}

// Send delivers msg to every target in multicast batches.
func (f *FCMSender) Send(ctx context.Context, msg channels.PushMessage) (channels.PushProviderResponse, error) {
	out := channels.PushProviderResponse{Provider: notification.ProviderFCM}
	tokens := msg.Tokens()

	for start := 0; start < len(tokens); start += maxMulticastTokens {
		end := min(start+maxMulticastTokens, len(tokens))
		batch := tokens[start:end]

		resp, err := f.client.SendEachForMulticast(ctx, BuildMulticastMessage(batch, msg.PushPayload))
		if err != nil {
			return out, fmt.Errorf("fcm multicast failed: %w", err)
		}

		// responses are in the order of the request tokens
		for i, r := range resp.Responses {
			if i >= len(batch) || r == nil {
				break
			}
			entry := channels.PushResponseEntry{Device: batch[i], MessageID: r.MessageID}
			if r.Success {
				out.Success = append(out.Success, entry)
				continue
			}
			entry.Error = FCMErrorReason(r.Error)
			out.Failure = append(out.Failure, entry)
		}
		f.logger.Debug("FCM batch sent",
			zap.Int("success", resp.SuccessCount),
			zap.Int("failure", resp.FailureCount),
		)
	}
	return out, nil
}

// BuildMulticastMessage converts a payload into an FCM multicast message
func BuildMulticastMessage(tokens []string, payload channels.PushPayload) *messaging.MulticastMessage {
	ttl := payload.TTL
	apnsPriority := "5"
	androidPriority := "normal"
	if payload.Priority == channels.PriorityHigh {
		apnsPriority = "10"
		androidPriority = "high"
	}

	return &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		},
		Data: payload.Data,
		Android: &messaging.AndroidConfig{
			CollapseKey: payload.CollapseKey,
			Priority:    androidPriority,
			TTL:         &ttl,
			Notification: &messaging.AndroidNotification{
				ChannelID: payload.Extras.AndroidChannelID,
				Sound:     payload.Extras.Sound,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":    apnsPriority,
				"apns-collapse-id": collapseID(payload.CollapseKey),
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound:    payload.Extras.Sound,
					ThreadID: payload.Extras.ThreadID,
				},
			},
		},
	}
}

// FCMErrorReason turns an FCM send error into a reason string the push
// classifier understands.
func FCMErrorReason(err error) string {
	if err == nil {
		return "unknown fcm error"
	}
	var reason string
	switch {
	case messaging.IsUnregistered(err):
		reason = "registration-token-not-registered"
	case messaging.IsSenderIDMismatch(err):
		reason = "sender-id-mismatch"
	case messaging.IsThirdPartyAuthError(err):
		reason = "third-party-auth-error"
	case messaging.IsInvalidArgument(err):
		// the payload is shared by the whole batch, so a per-token invalid argument is the token
		reason = "invalid-registration-token"
	case messaging.IsQuotaExceeded(err):
		reason = "quota-exceeded"
	case messaging.IsUnavailable(err):
		reason = "unavailable"
	case messaging.IsInternal(err):
		reason = "internal-error"
	default:
		return err.Error()
	}
	return reason + ": " + err.Error()
}

func collapseID(key string) string {
	// apns-collapse-id is limited to 64 bytes
	if len(key) > 64 {
		return key[:64]
	}
	return key
}
