// Package classify maps raw provider and network errors onto the retryable /
// fatal taxonomy used by the channel adapters.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/alexnthnz/delivery-engine/internal/notification"
)

// Class is the retry decision for an error
type Class int

const (
	Fatal Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Classification is the normalized view of an error
type Classification struct {
	Class Class
	Kind  notification.ErrorKind
	Code  string
}

// Retryable reports whether the classified error may be retried
func (c Classification) Retryable() bool {
	return c.Class == Retryable
}

// ErrorClassifier turns a raw error into a Classification
type ErrorClassifier interface {
	Classify(err error) Classification
}

// networkPhrases are matched against error strings of errors that do not
// expose a typed network error.
var networkPhrases = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"econnreset",
	"econnrefused",
	"etimedout",
	"enotfound",
	"eai_again",
	"i/o timeout",
	"tls handshake",
	"unexpected eof",
}

// IsNetworkError reports whether err is a connection, DNS or timeout failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, notification.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range networkPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func networkClassification(err error) Classification {
	code := notification.CodeNetwork
	if errors.Is(err, notification.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		code = notification.CodeTimeout
	}
	return Classification{Class: Retryable, Kind: notification.KindTransport, Code: code}
}
