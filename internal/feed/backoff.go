package feed

import "time"

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultBackoffFactor  = 2.0
)

// Backoff is an exponential reconnect delay. A Factor of 1 gives a constant delay.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = defaultInitialBackoff
	}
	if b.Max <= 0 {
		b.Max = defaultMaxBackoff
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = defaultBackoffFactor
	}
	return b
}

// Next returns the delay that follows d.
func (b Backoff) Next(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * b.Factor)
	if next > b.Max || next <= 0 {
		return b.Max
	}
	if next < b.Initial {
		return b.Initial
	}
	return next
}
