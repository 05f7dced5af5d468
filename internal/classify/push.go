package classify

import (
	"errors"
	"strings"

	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// PermanentPushReasons are failure reasons (FCM and APNS) that will not
// succeed on retry. Matching is case-insensitive on substrings.
var PermanentPushReasons = []string{
	"invalid-registration-token",
	"registration-token-not-registered",
	"invalidregistration",
	"notregistered",
	"unregistered",
	"baddevicetoken",
	"devicetokennotfortopic",
	"badcertificate",
	"badcertificateenvironment",
	"third-party-auth-error",
	"mismatchsenderid",
	"mismatched-credential",
	"sender-id-mismatch",
	"invalidpackagename",
	"invalid-package-name",
	"badtopic",
	"topicdisallowed",
	"missingtopic",
	"invalid token",
}

// TokenInvalidReasons is the subset of PermanentPushReasons meaning the token
// itself is dead and may be suppressed.
var TokenInvalidReasons = []string{
	"invalid-registration-token",
	"registration-token-not-registered",
	"invalidregistration",
	"notregistered",
	"unregistered",
	"baddevicetoken",
	"invalid token",
}

// PushClassifier classifies per-token push failure reasons.
type PushClassifier struct{}

// Classify implements ErrorClassifier
func (PushClassifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Class: Fatal}
	}
	if errors.Is(err, notification.ErrNoValidTargets) {
		return Classification{Class: Fatal, Kind: notification.KindValidation, Code: notification.CodeNoValidTargets}
	}
	return PushClassifier{}.ClassifyReason(err.Error())
}

// ClassifyReason classifies a provider failure reason string
func (PushClassifier) ClassifyReason(reason string) Classification {
	if matchesAny(reason, PermanentPushReasons) {
		return Classification{Class: Fatal, Kind: notification.KindProviderPermanent, Code: notification.CodeProviderPermanent}
	}
	if IsNetworkError(errors.New(reason)) {
		return Classification{Class: Retryable, Kind: notification.KindTransport, Code: notification.CodeNetwork}
	}
	return Classification{Class: Retryable, Kind: notification.KindProviderTransient, Code: notification.CodeProviderTransient}
}

// IsTokenInvalid reports whether reason means the device token is dead
func IsTokenInvalid(reason string) bool {
	return matchesAny(reason, TokenInvalidReasons)
}

// AnyRetryable reports whether at least one reason is outside the permanent list.
func (c PushClassifier) AnyRetryable(reasons []string) bool {
	for _, r := range reasons {
		if c.ClassifyReason(r).Retryable() {
			return true
		}
	}
	return false
}

func matchesAny(reason string, phrases []string) bool {
	normalized := strings.ToLower(reason)
	for _, p := range phrases {
		if strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}
