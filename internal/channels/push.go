package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/audit"
	"github.com/alexnthnz/delivery-engine/internal/classify"
	"github.com/alexnthnz/delivery-engine/internal/monitoring"
	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// NoResponseError is the failure reason of a token the provider said nothing about
const NoResponseError = "No response from push provider"

// PushMessage is one batched send to every target
type PushMessage struct {
	Targets []notification.DeliveryTarget
	PushPayload
}

// Tokens returns the device tokens of the message targets
func (m PushMessage) Tokens() []string {
	tokens := make([]string, len(m.Targets))
	for i, t := range m.Targets {
		tokens[i] = t.Token
	}
	return tokens
}

// PushResponseEntry is one success or failure reported by a provider.
// Device or RegID identifies the token when the provider reports it.
type PushResponseEntry struct {
	Device    string
	RegID     string
	MessageID string
	Error     string
}

// PushProviderResponse groups the entries returned by one provider
type PushProviderResponse struct {
	Provider notification.Provider
	Success  []PushResponseEntry
	Failure  []PushResponseEntry
}

// PushClient delivers a batched push message through one or more providers.
// Per-token failures belong in the response, not in the error.
type PushClient interface {
	Send(ctx context.Context, msg PushMessage) ([]PushProviderResponse, error)
}

// PushConfig configures the push adapter
type PushConfig struct {
	SendTimeout      time.Duration
	SuppressInvalid  bool
	UrgentTemplates  []string
	MaxDataValueSize int
}

// PushOption customizes a PushChannel
type PushOption func(*PushChannel)

// WithProviderDetector replaces the heuristic provider detection
func WithProviderDetector(d ProviderDetector) PushOption {
	return func(p *PushChannel) { p.detector = d }
}

// WithTokenRegistry enables suppression of dead tokens
func WithTokenRegistry(r TokenRegistry) PushOption {
	return func(p *PushChannel) { p.registry = r }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) PushOption {
	return func(p *PushChannel) { p.now = now }
}

// PushChannel handles push notifications through a PushClient
type PushChannel struct {
	client     PushClient
	config     PushConfig
	builder    PayloadBuilder
	detector   ProviderDetector
	registry   TokenRegistry
	classifier classify.PushClassifier
	health     *HealthStats
	recorder   audit.Recorder
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewPushChannel creates a new push notification channel
func NewPushChannel(client PushClient, cfg PushConfig, recorder audit.Recorder, metrics *monitoring.Metrics, logger *zap.Logger, opts ...PushOption) *PushChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	p := &PushChannel{
		client:   client,
		config:   cfg,
		builder:  NewPayloadBuilder(cfg.UrgentTemplates, cfg.MaxDataValueSize),
		detector: HeuristicDetector{},
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.Named("push"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.health = NewHealthStats(p.now())
	return p
}

// SendNotification resolves targets, sends one batched message and aggregates
// per-token results. It returns an error only when no target succeeded.
func (p *PushChannel) SendNotification(ctx context.Context, record notification.Record) (*notification.DeliveryResult, error) {
	started := p.now()
	record = record.Clone()

	if err := checkChannel(record, notification.ChannelPush); err != nil {
		return nil, err
	}
	if err := validatePushRecord(record); err != nil {
		p.recordFailure(ctx, record, nil, err)
		return nil, err
	}

	recipient, err := notification.ParseRecipient(record.Recipient)
	if err != nil {
		derr := notification.NewValidationError(notification.ChannelPush, notification.CodeInvalidRecipient, "", err)
		p.recordFailure(ctx, record, nil, derr)
		return nil, derr
	}

	resolved := p.resolveTargets(ctx, recipient)
	if dropped := len(resolved.Rejected) + len(resolved.Suppressed); dropped > 0 {
		p.logger.Warn("Dropped device tokens",
			zap.String("id", record.ID),
			zap.Int("rejected", len(resolved.Rejected)),
			zap.Int("suppressed", len(resolved.Suppressed)),
		)
		p.recorder.Record(ctx, audit.Event{
			Type:           audit.PushTokensDropped,
			Level:          audit.LevelWarn,
			Channel:        notification.ChannelPush,
			NotificationID: record.ID,
			UserID:         record.UserID,
			Fields: map[string]any{
				"rejected":   notification.MaskTokens(resolved.Rejected),
				"suppressed": notification.MaskTokens(resolved.Suppressed),
			},
		})
	}
	if len(resolved.Targets) == 0 {
		derr := notification.NewValidationError(notification.ChannelPush, notification.CodeNoValidTargets, "", notification.ErrNoValidTargets)
		p.recordFailure(ctx, record, nil, derr)
		return nil, derr
	}

	msg := PushMessage{
		Targets:     resolved.Targets,
		PushPayload: p.builder.Build(record),
	}

	p.logger.Info("Sending push notification",
		zap.String("id", record.ID),
		zap.Int("targets", len(msg.Targets)),
		zap.String("priority", string(msg.Priority)),
	)

	results := p.send(ctx, msg)
	finished := p.now()
	result := notification.NewDeliveryResult(record.ID, notification.ChannelPush, results, started, finished)

	for _, r := range result.Results {
		p.metrics.RecordPushTarget(string(r.Provider), r.Success)
	}
	p.health.Record(result.SuccessCount, result.FailureCount, result.ProcessingTime, finished)
	p.metrics.SetPushHealth(string(p.health.Health(finished).Status), AllHealthStatuses...)
	p.suppressInvalid(ctx, result)

	return p.applyOutcome(ctx, record, result)
}

// GetChannelType returns the channel type
func (p *PushChannel) GetChannelType() notification.Channel {
	return notification.ChannelPush
}

// Health reports the push health at now
func (p *PushChannel) Health(now time.Time) HealthReport {
	return p.health.Health(now)
}

// send performs the batched call bounded by the send timeout. A client error
// fails every target with that error.
func (p *PushChannel) send(ctx context.Context, msg PushMessage) []notification.TokenResult {
	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	defer cancel()

	responses, err := p.client.Send(sendCtx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", notification.ErrTimeout, err)
		}
		p.logger.Error("Push provider call failed", zap.Int("targets", len(msg.Targets)), zap.Error(err))
		results := make([]notification.TokenResult, len(msg.Targets))
		for i, t := range msg.Targets {
			results[i] = notification.TokenResult{
				DeviceToken: t.Token,
				Provider:    t.Provider,
				Error:       err.Error(),
			}
		}
		return results
	}
	return AggregateResponses(msg.Targets, responses)
}

// AggregateResponses maps provider entries back to their targets, in target order.
// Entries are matched by device token or registration id; when a single target
// was sent, unidentified entries belong to it. Targets left without an entry fail
// with NoResponseError.
func AggregateResponses(targets []notification.DeliveryTarget, responses []PushProviderResponse) []notification.TokenResult {
	index := make(map[string]int, len(targets))
	for i, t := range targets {
		index[t.Token] = i
	}
	matched := make([]*notification.TokenResult, len(targets))

	lookup := func(e PushResponseEntry) (int, bool) {
		if i, ok := index[e.Device]; ok && e.Device != "" {
			return i, true
		}
		if i, ok := index[e.RegID]; ok && e.RegID != "" {
			return i, true
		}
		if len(targets) == 1 {
			return 0, true
		}
		return 0, false
	}
	assign := func(resp PushProviderResponse, e PushResponseEntry, success bool) {
		i, ok := lookup(e)
		if !ok || matched[i] != nil {
			return
		}
		provider := resp.Provider
		if provider == "" {
			provider = targets[i].Provider
		}
		r := notification.TokenResult{
			DeviceToken: targets[i].Token,
			Success:     success,
			Provider:    provider,
			MessageID:   e.MessageID,
		}
		if !success {
			r.Error = e.Error
			if r.Error == "" {
				r.Error = "unknown push provider error"
			}
		}
		matched[i] = &r
	}

	for _, resp := range responses {
		for _, e := range resp.Success {
			assign(resp, e, true)
		}
		for _, e := range resp.Failure {
			assign(resp, e, false)
		}
	}

	results := make([]notification.TokenResult, len(targets))
	for i, t := range targets {
		if matched[i] != nil {
			results[i] = *matched[i]
			continue
		}
		results[i] = notification.TokenResult{
			DeviceToken: t.Token,
			Provider:    t.Provider,
			Error:       NoResponseError,
		}
	}
	return results
}

func (p *PushChannel) applyOutcome(ctx context.Context, record notification.Record, result *notification.DeliveryResult) (*notification.DeliveryResult, error) {
	failed := result.Failed()
	base := audit.Event{
		Channel:        notification.ChannelPush,
		NotificationID: record.ID,
		UserID:         record.UserID,
		Duration:       result.ProcessingTime,
	}

	switch result.Outcome() {
	case notification.OutcomeFailed:
		reasons := make([]string, len(failed))
		tokens := make([]string, len(failed))
		for i, f := range failed {
			reasons[i] = f.Error
			tokens[i] = f.DeviceToken
		}
		retryable := p.classifier.AnyRetryable(reasons)
		err := &notification.PushNotificationError{
			DeviceTokens: tokens,
			Retryable:    retryable,
			Result:       result,
			Err:          fmt.Errorf("%w: %s", notification.ErrAllTargetsFailed, strings.Join(uniq(reasons), "; ")),
		}
		base.Type = audit.PushFailed
		base.Level = audit.LevelError
		base.Code = notification.CodeAllTargetsFailed
		base.Error = err.Error()
		base.Fields = map[string]any{
			"failed_tokens": p.failureDetails(failed),
			"retryable":     retryable,
		}
		p.recorder.Record(ctx, base)
		p.logger.Error("Push notification failed for all targets",
			zap.String("id", record.ID),
			zap.Int("targets", result.TotalTargets),
			zap.Bool("retryable", retryable),
		)
		return nil, err

	case notification.OutcomePartial:
		base.Type = audit.PushPartialFailure
		base.Level = audit.LevelWarn
		base.Fields = map[string]any{
			"success_count": result.SuccessCount,
			"failure_count": result.FailureCount,
			"failed_tokens": p.failureDetails(failed),
		}
		p.recorder.Record(ctx, base)
		p.logger.Warn("Push notification partially delivered",
			zap.String("id", record.ID),
			zap.Int("success", result.SuccessCount),
			zap.Int("failure", result.FailureCount),
		)

	default:
		base.Type = audit.PushSent
		base.Fields = map[string]any{
			"success_count": result.SuccessCount,
			"message_ids":   result.MessageIDs(),
		}
		p.recorder.Record(ctx, base)
		p.logger.Info("Successfully sent push notification",
			zap.String("id", record.ID),
			zap.Int("targets", result.TotalTargets),
		)
	}
	return result, nil
}

func (p *PushChannel) failureDetails(failed []notification.TokenResult) []map[string]any {
	details := make([]map[string]any, len(failed))
	for i, f := range failed {
		details[i] = map[string]any{
			"token":     notification.MaskToken(f.DeviceToken),
			"provider":  string(f.Provider),
			"error":     f.Error,
			"retryable": p.classifier.ClassifyReason(f.Error).Retryable(),
		}
	}
	return details
}

// suppressInvalid records tokens the provider reported as dead
func (p *PushChannel) suppressInvalid(ctx context.Context, result *notification.DeliveryResult) {
	if p.registry == nil || !p.config.SuppressInvalid {
		return
	}
	for _, f := range result.Failed() {
		if !classify.IsTokenInvalid(f.Error) {
			continue
		}
		if err := p.registry.SuppressToken(ctx, f.DeviceToken, f.Error); err != nil {
			p.logger.Warn("Failed to suppress device token",
				zap.String("token", notification.MaskToken(f.DeviceToken)),
				zap.Error(err),
			)
		}
	}
}

func (p *PushChannel) recordFailure(ctx context.Context, record notification.Record, tokens []string, err *notification.DeliveryError) {
	p.recorder.Record(ctx, audit.Event{
		Type:           audit.PushFailed,
		Level:          audit.LevelError,
		Channel:        notification.ChannelPush,
		NotificationID: record.ID,
		UserID:         record.UserID,
		Code:           err.Code,
		Error:          err.Error(),
		Fields:         map[string]any{"tokens": notification.MaskTokens(tokens)},
	})
	p.logger.Error("Rejected push notification", zap.String("id", record.ID), zap.String("code", err.Code), zap.Error(err.Err))
}

func validatePushRecord(record notification.Record) *notification.DeliveryError {
	var missing []string
	if strings.TrimSpace(record.Recipient) == "" {
		missing = append(missing, "recipient")
	}
	if strings.TrimSpace(record.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(record.Message) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return notification.NewValidationError(notification.ChannelPush, notification.CodeValidation, "",
			fmt.Errorf("missing required fields: %s", strings.Join(missing, ", ")))
	}
	return nil
}

func uniq(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
