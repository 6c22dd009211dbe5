// Package limits holds admission control: connection rate limiting, per
// connection inbound frame limiting, and the resource guard.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/wsrpc/internal/monitoring"
)

// ConnectionRateLimiter throttles connection attempts at two levels: per
// source IP (one misbehaving client) and globally (reconnect storms). Token
// buckets from golang.org/x/time/rate.
type ConnectionRateLimiter struct {
	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiterEntry
	ipRate     float64
	ipBurst    int
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger      zerolog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig carries the limiter knobs; zero values pick
// defaults suited to a few thousand clients.
type ConnectionRateLimiterConfig struct {
	IPRate      float64
	IPBurst     int
	IPTTL       time.Duration
	GlobalRate  float64
	GlobalBurst int
	Logger      zerolog.Logger
}

func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPRate == 0 {
		config.IPRate = 10
	}
	if config.IPBurst == 0 {
		config.IPBurst = 20
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 200
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 500
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipRate:        config.IPRate,
		ipBurst:       config.IPBurst,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "conn_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip may proceed. Global
// bucket first (no map lookup), then the per-IP bucket.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		monitoring.ConnectionsRejected.WithLabelValues("rate_global").Inc()
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		monitoring.ConnectionsRejected.WithLabelValues("rate_ip").Inc()
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup drops per-IP buckets idle past the TTL so the map cannot grow
// without bound.
func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

// Stop ends the background cleanup. Safe to call more than once.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
