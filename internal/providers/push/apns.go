package push

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexnthnz/delivery-engine/internal/channels"
	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// APNSConfig configures the APNS sender. BaseURL overrides the Apple host
// selected by Production.
type APNSConfig struct {
	KeyID       string
	TeamID      string
	Topic       string
	Production  bool
	BaseURL     string
	Timeout     time.Duration
	MaxInFlight int
}

// APNSSender sends to Apple devices through the HTTP/2 provider API
// using token based authentication.
type APNSSender struct {
	config APNSConfig
	token  *token.Token
	client *apns2.Client
	logger *zap.Logger
	now    func() time.Time
}

// LoadAPNSKey reads a .p8 signing key
func LoadAPNSKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := token.AuthKeyFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load apns key: %w", err)
	}
	return key, nil
}

// NewAPNSSender creates an APNS sender. A nil client keeps the HTTP/2 client
// built by apns2.
func NewAPNSSender(cfg APNSConfig, key *ecdsa.PrivateKey, client *http.Client, logger *zap.Logger) (*APNSSender, error) {
	if key == nil || cfg.KeyID == "" || cfg.TeamID == "" || cfg.Topic == "" {
		return nil, errors.New("apns key, key id, team id and topic are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tok := &token.Token{AuthKey: key, KeyID: cfg.KeyID, TeamID: cfg.TeamID}
	apns := apns2.NewTokenClient(tok).Development()
	if cfg.Production {
		apns = apns.Production()
	}
	if cfg.BaseURL != "" {
		apns.Host = cfg.BaseURL
	}
	if client != nil {
		apns.HTTPClient = client
	} else {
		apns.HTTPClient.Timeout = cfg.Timeout
	}

	return &APNSSender{
		config: cfg,
		token:  tok,
		client: apns,
		logger: logger.Named("apns"),
		now:    time.Now,
	}, nil
}

// Provider implements Sender
func (a *APNSSender) Provider() notification.Provider {
	return notification.ProviderAPNS
}

type apnsAlert struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type apnsAps struct {
	Alert    apnsAlert `json:"alert"`
	Sound    string    `json:"sound,omitempty"`
	ThreadID string    `json:"thread-id,omitempty"`
}

// Send pushes the payload to every target, at most MaxInFlight at a time.
// Per-token failures are reported in the response.
func (a *APNSSender) Send(ctx context.Context, msg channels.PushMessage) (channels.PushProviderResponse, error) {
	out := channels.PushProviderResponse{Provider: notification.ProviderAPNS}

	body, err := BuildAPNSBody(msg.PushPayload)
	if err != nil {
		return out, err
	}
	expiration := a.now().Add(msg.TTL)

	tokens := msg.Tokens()
	entries := make([]channels.PushResponseEntry, len(tokens))
	success := make([]bool, len(tokens))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.MaxInFlight)
	for i, device := range tokens {
		i, device := i, device
		g.Go(func() error {
			id, err := a.push(gctx, a.notification(device, msg.PushPayload, body, expiration))
			entries[i] = channels.PushResponseEntry{Device: device, MessageID: id}
			if err != nil {
				entries[i].Error = err.Error()
				return nil
			}
			success[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i, e := range entries {
		if success[i] {
			out.Success = append(out.Success, e)
		} else {
			out.Failure = append(out.Failure, e)
		}
	}
	return out, nil
}

func (a *APNSSender) notification(device string, payload channels.PushPayload, body []byte, expiration time.Time) *apns2.Notification {
	n := &apns2.Notification{
		DeviceToken: device,
		Topic:       a.config.Topic,
		Payload:     body,
		Expiration:  expiration,
		Priority:    apns2.PriorityLow,
		PushType:    apns2.PushTypeAlert,
	}
	if payload.Priority == channels.PriorityHigh {
		n.Priority = apns2.PriorityHigh
	}
	if payload.CollapseKey != "" {
		n.CollapseID = collapseID(payload.CollapseKey)
	}
	return n
}

func (a *APNSSender) push(ctx context.Context, n *apns2.Notification) (string, error) {
	resp, err := a.client.PushWithContext(ctx, n)
	if err != nil {
		return "", err
	}
	if resp.Sent() {
		return resp.ApnsID, nil
	}

	reason := resp.Reason
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	if resp.Reason == apns2.ReasonExpiredProviderToken {
		a.expireToken()
	}
	return resp.ApnsID, fmt.Errorf("%s (status %d)", reason, resp.StatusCode)
}

// expireToken forces a new provider token on the next push
func (a *APNSSender) expireToken() {
	a.token.Lock()
	a.token.IssuedAt = 0
	a.token.Unlock()
	a.logger.Warn("APNS rejected the provider token, refreshing")
}

// BuildAPNSBody renders the JSON body. Data keys sit next to "aps".
func BuildAPNSBody(payload channels.PushPayload) ([]byte, error) {
	doc := make(map[string]any, len(payload.Data)+1)
	for k, v := range payload.Data {
		doc[k] = v
	}
	doc["aps"] = apnsAps{
		Alert:    apnsAlert{Title: payload.Title, Body: payload.Body},
		Sound:    payload.Extras.Sound,
		ThreadID: payload.Extras.ThreadID,
	}
	return json.Marshal(doc)
}
