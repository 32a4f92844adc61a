package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, expected := range want {
		assert.Equal(t, expected, b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	b := Backoff{Base: 250 * time.Millisecond, Max: 30 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delays must be non-decreasing")
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, JitterMax: time.Second}

	sawSpread := false
	first := b.Delay(0)
	for i := 0; i < 100; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second, "jitter must stay below 1s")
		if d != first {
			sawSpread = true
		}
	}
	assert.True(t, sawSpread, "jitter should vary across draws")
}

func TestRegistryGuardsDuplicateConnects(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.Acquire("room-1", "u1"))
	assert.False(t, r.Acquire("room-1", "u1"), "second concurrent connect must be rejected")

	// Other rooms and users are unaffected.
	assert.True(t, r.Acquire("room-2", "u1"))
	assert.True(t, r.Acquire("room-1", "u2"))

	r.Release("room-1", "u1")
	assert.True(t, r.Acquire("room-1", "u1"), "released pair can connect again")

	// Releasing an unheld pair is harmless.
	r.Release("room-9", "nobody")
}
