package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

// rateGate wraps a token bucket with the sustained-abuse policy: single
// bursts over the limit are rejected message-by-message, but a client that
// stays over the limit for longer than grace gets disconnected. It is only
// touched by the connection's read goroutine, so it needs no lock.
type rateGate struct {
	limiter *rate.Limiter
	grace   time.Duration

	limitedSince time.Time
}

func newRateGate(perSecond, burst int, grace time.Duration) *rateGate {
	return &rateGate{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		grace:   grace,
	}
}

// allow consumes one token. sustained reports that the client has been
// continuously over the limit for longer than the grace period.
func (g *rateGate) allow(now time.Time) (ok, sustained bool) {
	if g.limiter.AllowN(now, 1) {
		g.limitedSince = time.Time{}
		return true, false
	}
	if g.limitedSince.IsZero() {
		g.limitedSince = now
	}
	return false, now.Sub(g.limitedSince) > g.grace
}
