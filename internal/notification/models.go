package notification

import (
	"fmt"
	"strings"
)

// Channel identifies the delivery channel of a notification
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// ParseChannel normalizes a channel name (EMAIL, sms, Push, ...)
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelSMS:
		return ChannelSMS, nil
	case ChannelPush:
		return ChannelPush, nil
	default:
		return "", fmt.Errorf("unsupported channel type: %q", s)
	}
}

// Record is the input contract shared by all channel adapters.
// Adapters never modify a Record; they work on private copies.
type Record struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Channel      Channel        `json:"channel"`
	Recipient    string         `json:"recipient"`
	Subject      string         `json:"subject"`
	Message      string         `json:"message"`
	TemplateID   string         `json:"template_id"`
	TemplateData map[string]any `json:"template_data,omitempty"`
}

// Clone returns a deep copy of the top level of the record, including its template data map
func (r Record) Clone() Record {
	out := r
	if r.TemplateData != nil {
		out.TemplateData = make(map[string]any, len(r.TemplateData))
		for k, v := range r.TemplateData {
			out.TemplateData[k] = v
		}
	}
	return out
}

// Status represents the overall status of a delivery attempt
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Provider identifies a push provider
type Provider string

const (
	ProviderFCM  Provider = "fcm"
	ProviderAPNS Provider = "apns"
)

// DeliveryTarget is a single resolved push device token
type DeliveryTarget struct {
	Token    string   `json:"token"`
	Provider Provider `json:"provider"`
}
