package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexnthnz/delivery-engine/internal/monitoring"
	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// Channel represents a notification channel adapter
type Channel interface {
	SendNotification(ctx context.Context, record notification.Record) (*notification.DeliveryResult, error)
	GetChannelType() notification.Channel
}

// ChannelManager manages all notification channels
type ChannelManager struct {
	mu       sync.RWMutex
	channels map[notification.Channel]Channel
	metrics  *monitoring.Metrics
}

// NewChannelManager creates a new channel manager
func NewChannelManager(metrics *monitoring.Metrics) *ChannelManager {
	return &ChannelManager{
		channels: make(map[notification.Channel]Channel),
		metrics:  metrics,
	}
}

// RegisterChannel registers a channel with the manager
func (cm *ChannelManager) RegisterChannel(channel Channel) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.channels[channel.GetChannelType()] = channel
}

// GetChannel retrieves a channel by type
func (cm *ChannelManager) GetChannel(channelType notification.Channel) (Channel, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	channel, exists := cm.channels[channelType]
	return channel, exists
}

// SendNotification sends a notification through the appropriate channel
func (cm *ChannelManager) SendNotification(ctx context.Context, record notification.Record) (*notification.DeliveryResult, error) {
	channel, exists := cm.GetChannel(record.Channel)
	if !exists {
		return nil, notification.NewValidationError(record.Channel, notification.CodeValidation, "",
			fmt.Errorf("unsupported channel type: %q", record.Channel))
	}

	start := time.Now()
	result, err := channel.SendNotification(ctx, record)
	cm.metrics.RecordChannelDuration(string(record.Channel), time.Since(start).Seconds())

	switch {
	case err != nil:
		cm.metrics.RecordNotificationFailed(string(record.Channel), notification.ErrorCode(err))
	case result != nil:
		cm.metrics.RecordNotificationSent(string(record.Channel), string(result.Status()))
	}
	return result, err
}

// checkChannel rejects a record routed to the wrong adapter
func checkChannel(record notification.Record, want notification.Channel) error {
	if record.Channel != want {
		return notification.NewValidationError(want, notification.CodeValidation, "",
			fmt.Errorf("%w: got %q, want %q", notification.ErrChannelMismatch, record.Channel, want))
	}
	return nil
}
