package provider

import (
	"math"
	"time"
)

// Backoff computes jittered exponential reconnect delays for a live
// provider: base delay doubles on every consecutive failure, capped at
// max, with up to +/-20% jitter so a batch of providers reconnecting
// after a shared outage don't all retry in lockstep.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
	rng     *rng
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, rng: newRNG(0)}
}

// Next returns the delay to wait before the next reconnect attempt and
// advances the internal attempt counter.
func (b *Backoff) Next() time.Duration {
	mult := math.Pow(2, float64(b.attempt))
	d := time.Duration(float64(b.Base) * mult)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++

	jitter := 1.0 + (b.rng.Float64()*0.4 - 0.2) // [0.8, 1.2)
	return time.Duration(float64(d) * jitter)
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func (b *Backoff) Attempts() int { return b.attempt }
