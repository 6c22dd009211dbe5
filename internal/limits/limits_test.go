package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestInboundLimiterBurstThenThrottle(t *testing.T) {
	l := NewInboundLimiter(1, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "burst token %d", i)
	}
	assert.False(t, l.Allow())
}

func TestConnectionRateLimiterPerIP(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPRate:      1,
		IPBurst:     2,
		GlobalRate:  1000,
		GlobalBurst: 1000,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	// Another IP has its own bucket.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPRate:      1000,
		IPBurst:     1000,
		GlobalRate:  1,
		GlobalBurst: 1,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.2"))
}

func TestConnectionRateLimiterCleanup(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPTTL:  time.Nanosecond,
		Logger: zerolog.Nop(),
	})
	defer l.Stop()

	l.Allow("10.0.0.1")
	time.Sleep(time.Millisecond)
	l.cleanup()

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	assert.Empty(t, l.ipLimiters)
}

func TestResourceGuardConnectionCap(t *testing.T) {
	conns := 0
	g := NewResourceGuard(2, 1.0, 85, func() int { return conns }, zerolog.Nop())

	ok, _ := g.ShouldAccept()
	assert.True(t, ok)

	conns = 2
	ok, reason := g.ShouldAccept()
	assert.False(t, ok)
	assert.Equal(t, "max connections reached", reason)
}
