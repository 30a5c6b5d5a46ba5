package dispatch

import (
	"time"

	"broadcastd/internal/broadcast"
)

// Backoff computes provider retry delays: exponential from Base, capped at Max,
// with +/- Jitter applied. A Retry-After hint from the provider replaces the
// exponential step but still gets jitter and the cap.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 15 * time.Second
	}
	if b.Jitter <= 0 {
		b.Jitter = 0.2
	}
	return b
}

// Delay returns the wait before retry number retry (1-based). rnd yields values in [0,1);
// nil disables jitter.
func (b Backoff) Delay(retry int, err error, rnd func() float64) time.Duration {
	b = b.withDefaults()

	var d time.Duration
	if hint, ok := broadcast.RetryAfterHint(err); ok {
		d = hint
	} else {
		d = b.Base
		for i := 1; i < retry; i++ {
			d *= 2
			if d > b.Max {
				d = b.Max
				break
			}
		}
	}
	if d > b.Max {
		d = b.Max
	}
	if rnd != nil && d > 0 {
		r := (rnd()*2 - 1) * b.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
