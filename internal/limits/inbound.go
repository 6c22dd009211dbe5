package limits

import "golang.org/x/time/rate"

// InboundLimiter is the per-connection frame budget. One misbehaving or
// buggy client must not starve the dispatch path for everyone else; frames
// over budget are dropped by the reader, not disconnected.
type InboundLimiter struct {
	limiter *rate.Limiter
}

func NewInboundLimiter(perSecond float64, burst int) *InboundLimiter {
	return &InboundLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow consumes one frame token.
func (l *InboundLimiter) Allow() bool {
	return l.limiter.Allow()
}
