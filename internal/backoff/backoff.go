// Package backoff provides exponential backoff with jitter and token-bucket
// rate limiting for the HTTP and pub-sub layers.
package backoff

import (
	"time"

	"github.com/jpillora/backoff"
)

// Backoff yields exponentially increasing delays with jitter. It wraps
// jpillora/backoff so successive Duration calls double up to the cap.
type Backoff struct {
	b *backoff.Backoff
}

// New creates a Backoff starting at min and capped at max.
func New(min, max time.Duration) *Backoff {
	return &Backoff{
		b: &backoff.Backoff{
			Min:    min,
			Max:    max,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Duration returns the next delay and advances the attempt counter.
func (b *Backoff) Duration() time.Duration {
	return b.b.Duration()
}

// ForAttempt returns the delay for a specific attempt without advancing.
func (b *Backoff) ForAttempt(attempt int) time.Duration {
	return b.b.ForAttempt(float64(attempt))
}

// Attempt returns the current attempt counter.
func (b *Backoff) Attempt() int {
	return int(b.b.Attempt())
}

// Reset rewinds the backoff to its starting delay.
func (b *Backoff) Reset() {
	b.b.Reset()
}
