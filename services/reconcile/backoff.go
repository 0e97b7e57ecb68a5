package reconcile

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes retry delays. Randomisation is off so a given retry count
// always maps to the same delay.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) exponential() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.MaxInterval = b.Max
	if eb.MaxInterval < b.Base {
		eb.MaxInterval = b.Base
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Delay returns the wait before attempt retry+1, where retry counts failures so far.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	if b.Base <= 0 {
		return 0
	}

	eb := b.exponential()
	d := eb.InitialInterval
	for i := 0; i < retry; i++ {
		d = eb.NextBackOff()
	}
	return d
}
