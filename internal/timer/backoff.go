package timer

import (
	"math/rand"
	"time"
)

// maxDoublings bounds growth when a Backoff has no cap.
const maxDoublings = 16

// Backoff spaces retransmissions of one request. The delay doubles from
// Base up to Cap. With a random source, each delay is spread uniformly
// over ±Spread of itself.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Spread float64
}

// Backoff shapes retries from a response budget. The first retry waits one
// response duration and later ones grow to the holding duration. The
// spread is one response slot of the budget.
func (r RetryPolicy) Backoff() Backoff {
	return Backoff{
		Base:   r.ResponseDuration,
		Cap:    r.HoldingDuration,
		Spread: 1 / float64(r.ResponseCount+1),
	}
}

// Delay is the wait before retry attempt (1-based). Attempts below 1 and a
// zero Base wait nothing.
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt && i <= maxDoublings; i++ {
		if b.Cap > 0 && d >= b.Cap {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	if b.Spread > 0 && rng != nil {
		spread := min(b.Spread, 1)
		d = time.Duration(float64(d) * (1 - spread + 2*spread*rng.Float64()))
	}
	return d
}
