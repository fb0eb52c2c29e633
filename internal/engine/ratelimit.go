package engine

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-incident/internal/cache"
	"github.com/miradorstack/mirador-incident/internal/policy"
)

// RateLimiter bounds automated actions per resource per window. Counters live
// in the cache provider so the budget holds across engine replicas when a
// Valkey cluster is configured.
type RateLimiter struct {
	provider cache.Provider
	logger   *slog.Logger
}

// NewRateLimiter constructs a limiter over the given provider.
func NewRateLimiter(provider cache.Provider, logger *slog.Logger) *RateLimiter {
	if provider == nil {
		provider = cache.NewMemoryProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{provider: provider, logger: logger}
}

// Allow consumes one budget unit for the resource. Counter errors deny the
// action: an unverifiable budget must not execute automation.
func (r *RateLimiter) Allow(ctx context.Context, resource string, pol policy.RateLimitPolicy) bool {
	count, err := r.provider.Incr(ctx, "remediation:rl:"+resource, pol.Window)
	if err != nil {
		r.logger.Warn("rate limit counter unavailable, failing closed",
			slog.String("resource", resource), slog.Any("error", err))
		return false
	}
	return count <= int64(pol.Max)
}
