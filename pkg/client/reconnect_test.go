package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffDoubles(t *testing.T) {
	b := &ExponentialBackoff{Min: 100 * time.Millisecond, Max: 2 * time.Second}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second, // capped
		2 * time.Second,
	}
	for i, expected := range want {
		delay, ok := b.NextDelay(i + 1)
		require.True(t, ok)
		assert.Equal(t, expected, delay, "attempt %d", i+1)
	}
}

func TestExponentialBackoffGivesUp(t *testing.T) {
	b := &ExponentialBackoff{Min: time.Millisecond, Max: time.Second, MaxAttempts: 3}

	for attempt := 1; attempt <= 3; attempt++ {
		_, ok := b.NextDelay(attempt)
		assert.True(t, ok, "attempt %d", attempt)
	}
	_, ok := b.NextDelay(4)
	assert.False(t, ok)
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	b := &ExponentialBackoff{Min: 400 * time.Millisecond, Max: time.Second, Jitter: true}

	for i := 0; i < 100; i++ {
		delay, ok := b.NextDelay(1)
		require.True(t, ok)
		assert.GreaterOrEqual(t, delay, 400*time.Millisecond)
		assert.Less(t, delay, 500*time.Millisecond)
	}
}

func TestExponentialBackoffJitterTinyDelay(t *testing.T) {
	// Delays under 4ns leave no room for jitter; they must come back
	// unmodified instead of panicking.
	b := &ExponentialBackoff{Min: 2 * time.Nanosecond, Max: time.Second, Jitter: true}

	delay, ok := b.NextDelay(1)
	require.True(t, ok)
	assert.Equal(t, 2*time.Nanosecond, delay)
}

func TestFixedDelay(t *testing.T) {
	f := &FixedDelay{Delay: 250 * time.Millisecond}

	for attempt := 1; attempt <= 50; attempt++ {
		delay, ok := f.NextDelay(attempt)
		require.True(t, ok)
		assert.Equal(t, 250*time.Millisecond, delay)
	}
}

func TestNoReconnect(t *testing.T) {
	_, ok := NoReconnect{}.NextDelay(1)
	assert.False(t, ok)
}
