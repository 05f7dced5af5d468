package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitterFactor = 0.2
)

// BackoffPolicy computes exponential delays with jitter:
//
//	delay(k) = min(MaxDelay, BaseDelay * 2^k * (1 + JitterFactor*(rand-0.5)))
//
// where k is the zero based index of the attempt that just failed.
type BackoffPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	// Rand returns a value in [0, 1). Defaults to a locked math/rand source.
	Rand func() float64
}

// DefaultPolicy returns the policy used by the SMS adapter
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
	}
}

// WithDefaults fills zero fields with the default values. A policy with no
// numeric field set is the DefaultPolicy, jitter included; otherwise a zero
// JitterFactor is kept and disables jitter.
func (p BackoffPolicy) WithDefaults() BackoffPolicy {
	if p.MaxAttempts == 0 && p.BaseDelay == 0 && p.MaxDelay == 0 && p.JitterFactor == 0 {
		rnd := p.Rand
		p = DefaultPolicy()
		p.Rand = rnd
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.Rand == nil {
		p.Rand = lockedRand
	}
	return p
}

// Delay returns the wait before the attempt following attempt k.
func (p BackoffPolicy) Delay(k int) time.Duration {
	p = p.WithDefaults()
	if k < 0 {
		k = 0
	}
	jitter := 1 + p.JitterFactor*(p.Rand()-0.5)
	d := float64(p.BaseDelay) * math.Pow(2, float64(k)) * jitter
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done. Only the calling goroutine is blocked.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	randMu  sync.Mutex
	randSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func lockedRand() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSrc.Float64()
}
