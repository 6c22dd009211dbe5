package client

import (
	"math/rand"
	"time"
)

// ReconnectStrategy decides how long to wait before reconnect attempt n
// (1-based), and whether to keep trying at all.
type ReconnectStrategy interface {
	// NextDelay returns the wait before the given attempt. ok=false means
	// give up.
	NextDelay(attempt int) (delay time.Duration, ok bool)
	// Reset is called after a successful connect.
	Reset()
}

// ExponentialBackoff doubles the delay per attempt from Min up to Max, with
// optional jitter (up to 25% of the computed delay) and an optional attempt
// cap (0 means unlimited).
type ExponentialBackoff struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
	Jitter      bool
}

func (b *ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	delay := b.Min
	for i := 1; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}
	if b.Jitter {
		if quarter := int64(delay) / 4; quarter > 0 {
			delay += time.Duration(rand.Int63n(quarter))
		}
	}
	return delay, true
}

func (b *ExponentialBackoff) Reset() {}

// FixedDelay waits a constant interval between attempts, forever.
type FixedDelay struct {
	Delay time.Duration
}

func (f *FixedDelay) NextDelay(int) (time.Duration, bool) { return f.Delay, true }
func (f *FixedDelay) Reset()                              {}

// NoReconnect gives up immediately; the client stays closed after the first
// drop.
type NoReconnect struct{}

func (NoReconnect) NextDelay(int) (time.Duration, bool) { return 0, false }
func (NoReconnect) Reset()                              {}
