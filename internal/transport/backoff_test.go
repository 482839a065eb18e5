package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, b.Next(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, time.Second, b.Next(200))
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5, rand: func() float64 { return 1 }}
	assert.Equal(t, 500*time.Millisecond, b.Next(0))

	b.rand = func() float64 { return 0 }
	assert.Equal(t, 2*time.Second, b.Next(1))
}

func TestBackoff_ZeroBase(t *testing.T) {
	assert.Zero(t, Backoff{}.Next(3))
}
