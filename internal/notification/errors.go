package notification

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrChannelMismatch  = errors.New("channel does not match adapter")
	ErrNoValidTargets   = errors.New("no valid delivery targets")
	ErrTimeout          = errors.New("provider timeout")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrAllTargetsFailed = errors.New("all delivery targets failed")
)

// Error codes attached to delivery errors
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeInvalidRecipient  = "INVALID_RECIPIENT"
	CodeEmptyBody         = "EMPTY_BODY"
	CodeNoValidTargets    = "NO_VALID_TARGETS"
	CodeTimeout           = "TIMEOUT"
	CodeNetwork           = "NETWORK_ERROR"
	CodeCanceled          = "CANCELED"
	CodeTransport         = "TRANSPORT_ERROR"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeAllTargetsFailed  = "ALL_TARGETS_FAILED"
	CodeProviderPermanent = "PROVIDER_PERMANENT"
	CodeProviderTransient = "PROVIDER_TRANSIENT"
)

// ErrorKind is the failure taxonomy shared by all adapters
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindTransport         ErrorKind = "transport"
	KindProviderPermanent ErrorKind = "provider_permanent"
	KindProviderTransient ErrorKind = "provider_transient"
)

// DeliveryError is returned by the email and SMS adapters.
type DeliveryError struct {
	Channel   Channel
	Kind      ErrorKind
	Code      string
	Retryable bool
	// Recipient is always masked.
	Recipient string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s delivery failed [%s]", e.Channel, e.Code)
	if e.Recipient != "" {
		fmt.Fprintf(&b, " to %s", e.Recipient)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// PushNotificationError is returned when every push target failed.
type PushNotificationError struct {
	DeviceTokens []string
	Retryable    bool
	Result       *DeliveryResult
	Err          error
}

func (e *PushNotificationError) Error() string {
	return fmt.Sprintf("push delivery failed for %d device token(s) (retryable=%t): %v",
		len(e.DeviceTokens), e.Retryable, e.Err)
}

func (e *PushNotificationError) Unwrap() error {
	return e.Err
}

// ProviderError is a typed error returned by a provider API
type ProviderError struct {
	Provider   string
	Code       int
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error %d (http %d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
}

// NewValidationError builds a fatal pre-send error.
func NewValidationError(channel Channel, code, recipient string, err error) *DeliveryError {
	return &DeliveryError{
		Channel:   channel,
		Kind:      KindValidation,
		Code:      code,
		Recipient: recipient,
		Err:       fmt.Errorf("%w: %w", ErrValidation, err),
	}
}

// IsRetryable reports whether err carries a retryable flag set to true
func IsRetryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	var pe *PushNotificationError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ErrorCode extracts the normalized error code from err
func ErrorCode(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code
	}
	var pe *PushNotificationError
	if errors.As(err, &pe) {
		return CodeAllTargetsFailed
	}
	if errors.Is(err, ErrNoValidTargets) {
		return CodeNoValidTargets
	}
	return CodeTransport
}
