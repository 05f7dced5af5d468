package channels

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// ProviderDetector infers which push provider a device token belongs to.
type ProviderDetector interface {
	Detect(token string) notification.Provider
}

// TokenRegistry tracks device tokens known to be dead
type TokenRegistry interface {
	SuppressedTokens(ctx context.Context, tokens []string) (map[string]bool, error)
	SuppressToken(ctx context.Context, token, reason string) error
}

var apnsTokenRegex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// fcmMinTokenLength is the length from which a token is assumed to be an FCM registration token
const fcmMinTokenLength = 150

// HeuristicDetector classifies tokens by length and charset only.
// It is a best-effort guess, not a registry lookup.
type HeuristicDetector struct{}

// Detect implements ProviderDetector
func (HeuristicDetector) Detect(token string) notification.Provider {
	switch {
	case len(token) >= fcmMinTokenLength:
		return notification.ProviderFCM
	case apnsTokenRegex.MatchString(token):
		return notification.ProviderAPNS
	default:
		return notification.ProviderFCM
	}
}

// resolvedTargets is the outcome of target resolution
type resolvedTargets struct {
	Targets    []notification.DeliveryTarget
	Rejected   []string
	Suppressed []string
}

// resolveTargets parses the recipient, filters implausible and suppressed
// tokens and assigns a provider to each remaining token.
func (p *PushChannel) resolveTargets(ctx context.Context, recipient notification.Recipient) resolvedTargets {
	valid, rejected := recipient.Split()
	out := resolvedTargets{Rejected: rejected}

	if p.registry != nil && len(valid) > 0 {
		suppressed, err := p.registry.SuppressedTokens(ctx, valid)
		if err != nil {
			// registry outages never block delivery
			p.logger.Warn("Failed to check suppressed tokens", zap.Error(err))
		} else if len(suppressed) > 0 {
			kept := valid[:0:0]
			for _, t := range valid {
				if suppressed[t] {
					out.Suppressed = append(out.Suppressed, t)
					continue
				}
				kept = append(kept, t)
			}
			valid = kept
		}
	}

	out.Targets = make([]notification.DeliveryTarget, 0, len(valid))
	for _, t := range valid {
		out.Targets = append(out.Targets, notification.DeliveryTarget{
			Token:    t,
			Provider: p.detector.Detect(t),
		})
	}
	return out
}
