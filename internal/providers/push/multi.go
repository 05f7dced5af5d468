package push

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexnthnz/delivery-engine/internal/channels"
	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// Sender delivers a message to targets of a single provider
type Sender interface {
	Provider() notification.Provider
	Send(ctx context.Context, msg channels.PushMessage) (channels.PushProviderResponse, error)
}

// MultiClient implements channels.PushClient by splitting targets per provider
// and sending to every provider concurrently.
type MultiClient struct {
	senders map[notification.Provider]Sender
	logger  *zap.Logger
}

// NewMultiClient creates a client over the given senders
func NewMultiClient(logger *zap.Logger, senders ...Sender) *MultiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MultiClient{
		senders: make(map[notification.Provider]Sender, len(senders)),
		logger:  logger.Named("push_client"),
	}
	for _, s := range senders {
		if s != nil {
			m.senders[s.Provider()] = s
		}
	}
	return m
}

// Send implements channels.PushClient. Responses are ordered by provider name.
func (m *MultiClient) Send(ctx context.Context, msg channels.PushMessage) ([]channels.PushProviderResponse, error) {
	groups := make(map[notification.Provider][]notification.DeliveryTarget)
	for _, t := range msg.Targets {
		groups[t.Provider] = append(groups[t.Provider], t)
	}

	providers := make([]notification.Provider, 0, len(groups))
	for p := range groups {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	responses := make([]channels.PushProviderResponse, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range providers {
		i, provider := i, provider
		targets := groups[provider]
		sender, ok := m.senders[provider]
		if !ok {
			responses[i] = failAll(provider, targets, fmt.Sprintf("no sender configured for provider %s", provider))
			continue
		}

		sub := msg
		sub.Targets = targets
		g.Go(func() error {
			resp, err := sender.Send(gctx, sub)
			if err != nil {
				m.logger.Warn("Push provider send failed",
					zap.String("provider", string(provider)),
					zap.Int("targets", len(targets)),
					zap.Error(err),
				)
				responses[i] = failAll(provider, targets, err.Error())
				return nil
			}
			if resp.Provider == "" {
				resp.Provider = provider
			}
			responses[i] = resp
			return nil
		})
	}
	// provider errors are folded into the responses
	_ = g.Wait()

	return responses, nil
}

func failAll(provider notification.Provider, targets []notification.DeliveryTarget, reason string) channels.PushProviderResponse {
	resp := channels.PushProviderResponse{Provider: provider}
	for _, t := range targets {
		resp.Failure = append(resp.Failure, channels.PushResponseEntry{Device: t.Token, Error: reason})
	}
	return resp
}
