package classify

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// TransientSMSCodes lists Twilio error codes that denote temporary conditions.
var TransientSMSCodes = map[int]string{
	14107: "rate limit exceeded",
	20429: "too many requests",
	30001: "queue overflow",
	30003: "unreachable destination handset",
	30008: "unknown error",
	30017: "carrier network congestion",
	30022: "us a2p 10dlc rate limit exceeded",
}

// SMSClassifier classifies errors returned by an SMS provider.
type SMSClassifier struct {
	// TransientCodes overrides TransientSMSCodes when set.
	TransientCodes map[int]string
}

// Classify implements ErrorClassifier
func (c SMSClassifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Class: Fatal}
	}
	// the caller gave up; the provider may never have seen the request
	if errors.Is(err, context.Canceled) {
		return Classification{Class: Retryable, Kind: notification.KindTransport, Code: notification.CodeCanceled}
	}

	var pe *notification.ProviderError
	if errors.As(err, &pe) {
		return c.classifyProvider(pe)
	}

	if IsNetworkError(err) {
		return networkClassification(err)
	}

	return Classification{Class: Fatal, Kind: notification.KindProviderPermanent, Code: notification.CodeProviderPermanent}
}

func (c SMSClassifier) classifyProvider(pe *notification.ProviderError) Classification {
	codes := c.TransientCodes
	if codes == nil {
		codes = TransientSMSCodes
	}

	code := "SMS_" + strconv.Itoa(pe.Code)
	if _, ok := codes[pe.Code]; ok {
		return Classification{Class: Retryable, Kind: notification.KindProviderTransient, Code: code}
	}
	// no application code: fall back on the HTTP status
	if pe.Code == 0 {
		switch {
		case pe.StatusCode == http.StatusTooManyRequests, pe.StatusCode >= 500:
			return Classification{Class: Retryable, Kind: notification.KindProviderTransient, Code: notification.CodeProviderTransient}
		default:
			code = notification.CodeProviderPermanent
		}
	}
	return Classification{Class: Fatal, Kind: notification.KindProviderPermanent, Code: code}
}
