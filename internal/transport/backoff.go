package transport

import (
	"math/rand/v2"
	"time"
)

// backoff is the reconnect schedule as explicit state: attempt counter,
// capped exponential delay, jitter. Keeping it a plain struct makes the
// retry bound auditable.
type backoff struct {
	attempt     int
	maxAttempts int
	base        time.Duration
	cap         time.Duration
}

func newBackoff(maxAttempts int, base, cap time.Duration) *backoff {
	return &backoff{maxAttempts: maxAttempts, base: base, cap: cap}
}

// next returns the delay before the following attempt, or false once the
// attempt budget is exhausted.
func (b *backoff) next() (time.Duration, bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}

	d := b.base << b.attempt
	if d > b.cap || d <= 0 {
		d = b.cap
	}
	b.attempt++

	// Half fixed, half jittered, so concurrent clients do not reconnect in
	// lockstep.
	half := d / 2
	return half + rand.N(half+1), true
}
