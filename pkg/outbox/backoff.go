package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes the delay before the next delivery attempt: exponential
// with jitter, capped. Channel drivers may override the computed delay with a
// retry hint (e.g. HTTP 429 Retry-After); the hint never resets the attempt
// counter.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Randomization   float64
}

// DefaultBackoff returns the built-in delivery backoff.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Randomization:   0.2,
	}
}

// DelayMS returns the delay in milliseconds after the given 1-based attempt
// count.
func (b Backoff) DelayMS(attemptCount int) int64 {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.InitialInterval
	eb.MaxInterval = b.MaxInterval
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = b.Randomization
	eb.MaxElapsedTime = 0 // never give up; the attempt cap decides
	eb.Reset()

	delay := b.InitialInterval
	for i := 0; i < attemptCount; i++ {
		next := eb.NextBackOff()
		if next == backoff.Stop {
			break
		}
		delay = next
	}
	return delay.Milliseconds()
}
