// Package ratelimit throttles outbound requests to the upstream registry.
package ratelimit

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// Budget is a cross-process request allowance, such as RedisBudget
type Budget interface {
	TryConsume(ctx context.Context, host string, n int) (bool, time.Duration)
}

// Gate is the single rate limiter shared by every worker talking to the upstream.
// Each host gets its own token bucket; an optional Budget adds a cross-instance ceiling.
type Gate struct {
	limit    rate.Limit
	burst    int
	limiters *xsync.Map[string, *rate.Limiter]
	budget   Budget
}

// NewGate creates a gate allowing rps requests per second per host
func NewGate(rps float64, burst int) *Gate {
	if burst < 1 {
		burst = 1
	}
	return &Gate{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: xsync.NewMap[string, *rate.Limiter](),
	}
}

// WithBudget attaches a shared budget checked after the local token bucket
func (g *Gate) WithBudget(b Budget) *Gate {
	g.budget = b
	return g
}

// Limiter returns the token bucket for host
func (g *Gate) Limiter(host string) *rate.Limiter {
	lim, _ := g.limiters.LoadOrStore(host, rate.NewLimiter(g.limit, g.burst))
	return lim
}

// Wait blocks until a request to host is allowed or ctx is done
func (g *Gate) Wait(ctx context.Context, host string) error {
	if err := g.Limiter(host).Wait(ctx); err != nil {
		return err
	}
	if g.budget == nil {
		return nil
	}

	for {
		ok, wait := g.budget.TryConsume(ctx, host, 1)
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
