package websocket

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReconnectBackOff returns the reconnect delay policy: base, doubling per
// consecutive failure, capped at max, without jitter and without an elapsed
// time limit.
func newReconnectBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	if max < base {
		max = base
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
