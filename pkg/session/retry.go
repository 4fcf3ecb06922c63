package session

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides how long to wait before the next connection attempt.
type Retryer interface {
	// NextDelay returns the delay before retry number attempt (0-based)
	// and whether to retry at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a successful handshake.
	Reset()
}

// ExponentialBackoffRetryer grows the delay geometrically, adds jitter and
// never exceeds MaxDelay.
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries is the maximum number of attempts; 0 retries forever.
	MaxRetries int
	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0).
	JitterFactor float64

	// Rand, when set, replaces the shared source. Tests use it for determinism.
	Rand *rand.Rand
}

func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}
}

func (r *ExponentialBackoffRetryer) float64() float64 {
	if r.Rand != nil {
		return r.Rand.Float64()
	}
	//nolint:gosec // jitter is not security sensitive
	return rand.Float64()
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(r.MaxDelay)
	}

	if r.JitterFactor > 0 {
		delay += delay * r.JitterFactor * (2*r.float64() - 1)
	}

	switch {
	case delay > float64(r.MaxDelay):
		delay = float64(r.MaxDelay)
	case delay < float64(r.InitialDelay)/2:
		delay = float64(r.InitialDelay) / 2
	}
	return time.Duration(delay), true
}

func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer waits the same delay before every attempt.
type FixedDelayRetryer struct {
	Delay      time.Duration
	MaxRetries int
}

func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelayRetryer) Reset() {}
