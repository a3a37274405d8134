package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// adaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment: on a
// successful call it nudges the rate up (capped at 2x the configured rate),
// on a rate-limited response it halves the rate (floored at 1/4 of the
// configured rate). One instance is kept per Provider Gateway capability.
type adaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

func newAdaptiveLimiter(initialRate rate.Limit, burst int) *adaptiveLimiter {
	return &adaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

func (a *adaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *adaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

func (a *adaptiveLimiter) OnRateLimit(capability string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("provider gateway: reducing rate after provider-side throttling",
		zap.String("capability", capability),
		zap.Float64("new_rate", float64(newRate)),
	)
}
