package transport

import (
	"math/rand"
	"time"
)

// Backoff computes reconnection delays: the base delay doubles per attempt
// up to Max, plus a uniform random jitter in [0, JitterMax) so that many
// clients losing the same server do not reconnect in lockstep.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	JitterMax time.Duration
}

// Delay returns the scheduled delay before reconnection attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	if b.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(b.JitterMax)))
	}
	return d
}
