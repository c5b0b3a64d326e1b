// Package ratelimit implements the Rate Limiter: per-tenant
// token bucket admission backed by the Coordinator, with fail-open behavior
// when the coordinator is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/duskwatch/siemcore/internal/coordinator"
	"github.com/duskwatch/siemcore/internal/telemetry"
	"github.com/duskwatch/siemcore/internal/tenantlimits"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	RetryAfter time.Duration
	FailedOpen bool
}

// Limiter resolves tenant limits and checks them against the coordinator's
// atomic token bucket.
type Limiter struct {
	coord coordinator.Coordinator
	limits *tenantlimits.Cache
	metrics *telemetry.Metrics
}

// New constructs a Limiter.
func New(coord coordinator.Coordinator, limits *tenantlimits.Cache, metrics *telemetry.Metrics) *Limiter {
	return &Limiter{coord: coord, limits: limits, metrics: metrics}
}

// Allow checks whether (tenantID, source) may admit cost events now.
func (l *Limiter) Allow(ctx context.Context, tenantID, source string, cost int) (Decision, error) {
	// A tenant limits lookup failure falls back to the defaults below rather
	// than failing the request; the coordinator call is the fail-open point.
	limits, ok, _ := l.limits.Get(ctx, tenantID, source)
	rate, burst := 100.0, 200
	if ok {
		rate, burst = limits.LimitEPS, limits.Burst
		if !limits.Enabled {
			rate, burst = 0, 0
		}
	}

	key := fmt.Sprintf("ratelimit:%s:%s", tenantID, source)
	result, err := l.coord.TokenBucket(ctx, key, rate, float64(burst), cost)
	if err != nil {
		l.metrics.RateLimitFailOpenTotal.Inc()
		return Decision{Allowed: true, FailedOpen: true}, nil
	}

	if result.Allowed {
		l.metrics.RateLimitAllowTotal.WithLabelValues(tenantID, source).Inc()
		return Decision{Allowed: true}, nil
	}

	l.metrics.RateLimitThrottleTotal.WithLabelValues(tenantID, source).Inc()
	return Decision{
		Allowed: false,
		RetryAfter: time.Duration(result.RetryAfterMs) * time.Millisecond,
	}, nil
}
