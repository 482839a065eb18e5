package transport

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base doubled per attempt, capped at Max,
// with up to Jitter (0..1) of the delay shaved off at random.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

// Next returns the delay before reconnect attempt number attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Max
	if attempt < 32 {
		if step := b.Base << uint(attempt); step > 0 && (b.Max <= 0 || step < b.Max) {
			d = step
		}
	}
	if d <= 0 {
		d = b.Base
	}
	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		j := b.Jitter
		if j > 1 {
			j = 1
		}
		d -= time.Duration(float64(d) * j * r())
	}
	return d
}
