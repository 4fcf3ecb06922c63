package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"
)

// FailureType is a fault the relay can inject while processing frames.
type FailureType string

const (
	// FailureDelay sleeps before handling the frame.
	FailureDelay FailureType = "delay"
	// FailureDropConnection closes the connection instead of handling the frame.
	FailureDropConnection FailureType = "drop_connection"
	// FailureCorruptedMessage sends random bytes instead of handling the frame.
	FailureCorruptedMessage FailureType = "corrupted_message"
	// FailureRejectHandshake answers Hello with Reject.
	FailureRejectHandshake FailureType = "reject_handshake"
)

var errInjected = errors.New("relay: injected failure")

// FailureConfig defines how and when to inject a failure.
type FailureConfig struct {
	Type FailureType
	// Probability of triggering, from 0.0 to 1.0.
	Probability float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// SetFailures replaces the failures applied to every inbound frame.
func (r *Relay) SetFailures(failures []FailureConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append([]FailureConfig(nil), failures...)
}

func (r *Relay) currentFailures() []FailureConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// injectFailures applies configured faults. A non-nil result closes the connection.
func (r *Relay) injectFailures(ctx context.Context, p *peer) error {
	for _, f := range r.currentFailures() {
		if !shouldTriggerFailure(f.Probability) {
			continue
		}
		switch f.Type {
		case FailureDelay:
			t := time.NewTimer(randomDuration(f.MinDelay, f.MaxDelay))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		case FailureDropConnection:
			return errInjected
		case FailureCorruptedMessage:
			data := make([]byte, 32+cryptoRandInt(64))
			_, _ = rand.Read(data)
			p.sendMu.Lock()
			err := p.send(ctx, data)
			p.sendMu.Unlock()
			if err != nil {
				return err
			}
			return errInjected
		}
	}
	return nil
}

func (r *Relay) rejectInjected() bool {
	for _, f := range r.currentFailures() {
		if f.Type == FailureRejectHandshake && shouldTriggerFailure(f.Probability) {
			return true
		}
	}
	return false
}

func cryptoRandInt(rMax int) int {
	if rMax <= 0 {
		return 0
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(rMax)))
	return int(n.Int64())
}

func cryptoRandInt64(rMax int64) int64 {
	if rMax <= 0 {
		return 0
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(rMax))
	return n.Int64()
}

// cryptoRandFloat64 returns a value in [0.0, 1.0).
func cryptoRandFloat64() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64()) / float64(1<<53)
}

func shouldTriggerFailure(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	return cryptoRandFloat64() < probability
}

func randomDuration(dMin, dMax time.Duration) time.Duration {
	if dMin >= dMax {
		return dMin
	}
	return dMin + time.Duration(cryptoRandInt64(int64(dMax-dMin)))
}
