package channels

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// Priority of a push message
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

const (
	HighPriorityTTL   = 24 * time.Hour
	NormalPriorityTTL = time.Hour

	// DefaultMaxDataValueSize bounds string values copied into the data payload
	DefaultMaxDataValueSize = 256
)

// DefaultUrgentTemplates are template IDs delivered with high priority
var DefaultUrgentTemplates = []string{
	"fraud_alert",
	"security_alert",
	"suspicious_activity",
	"transaction_failed",
	"payment_failed",
	"account_locked",
	"password_reset",
	"login_alert",
	"otp",
}

// sensitiveKeyFragments never reach a device. Keys are compared after
// lowercasing and removing separators.
var sensitiveKeyFragments = []string{
	"account",
	"card",
	"cvv",
	"cvc",
	"ssn",
	"socialsecurity",
	"iban",
	"routing",
	"token",
	"secret",
	"password",
	"passcode",
	"apikey",
	"privatekey",
}

// sensitiveKeys are matched exactly, they are too short for substring matching
var sensitiveKeys = map[string]struct{}{
	"pin": {},
	"dob": {},
}

// PushExtras carries platform specific settings
type PushExtras struct {
	AndroidChannelID string
	Sound            string
	ThreadID         string
}

// PushPayload is the provider independent content of a push message.
type PushPayload struct {
	Title       string
	Body        string
	Data        map[string]string
	Priority    Priority
	TTL         time.Duration
	CollapseKey string
	Extras      PushExtras
}

// PayloadBuilder builds push payloads from records. It holds no mutable state.
type PayloadBuilder struct {
	urgent       map[string]struct{}
	maxValueSize int
}

// NewPayloadBuilder creates a builder; empty arguments fall back to the defaults
func NewPayloadBuilder(urgentTemplates []string, maxValueSize int) PayloadBuilder {
	if len(urgentTemplates) == 0 {
		urgentTemplates = DefaultUrgentTemplates
	}
	if maxValueSize <= 0 {
		maxValueSize = DefaultMaxDataValueSize
	}
	return PayloadBuilder{urgent: toSet(urgentTemplates), maxValueSize: maxValueSize}
}

// Build returns the payload for record. Identical records give identical payloads.
func (b PayloadBuilder) Build(record notification.Record) PushPayload {
	priority := PriorityNormal
	ttl := NormalPriorityTTL
	channelID := "general"
	if _, ok := b.urgent[strings.ToLower(record.TemplateID)]; ok {
		priority = PriorityHigh
		ttl = HighPriorityTTL
		channelID = "alerts"
	}

	return PushPayload{
		Title:       notification.Render(record.Subject, record.TemplateData),
		Body:        notification.Render(record.Message, record.TemplateData),
		Data:        b.buildData(record),
		Priority:    priority,
		TTL:         ttl,
		CollapseKey: record.TemplateID + "_" + record.UserID,
		Extras: PushExtras{
			AndroidChannelID: channelID,
			Sound:            "default",
			ThreadID:         record.TemplateID,
		},
	}
}

func (b PayloadBuilder) buildData(record notification.Record) map[string]string {
	data := make(map[string]string, len(record.TemplateData)+2)
	for k, v := range record.TemplateData {
		if IsSensitiveKey(k) {
			continue
		}
		data[k] = truncate(notification.ValueString(v), b.maxValueSize)
	}
	data["notification_id"] = record.ID
	data["template_id"] = record.TemplateID
	return data
}

// IsSensitiveKey reports whether a template data key must be kept off devices
func IsSensitiveKey(key string) bool {
	normalized := strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(strings.ToLower(key))
	if _, ok := sensitiveKeys[normalized]; ok {
		return true
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= len(truncationMarker) {
		return string(runes[:max])
	}
	return string(runes[:max-len(truncationMarker)]) + truncationMarker
}
