package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/featherbase/featherbase/internal/engine"
)

// RateLimitsCollection holds per-route rate limit overrides. Each
// record carries a route prefix plus rps/burst numbers.
const RateLimitsCollection = "_ratelimits"

// RefreshOverrides loads the current override records and installs
// them on the limiter.
func RefreshOverrides(ctx context.Context, eng *engine.Engine, rl *RateLimiter) error {
	result, err := eng.List(ctx, RateLimitsCollection, engine.ListOptions{PerPage: 500})
	if err != nil {
		return err
	}

	overrides := make(map[string]Limit, len(result.Items))
	for _, rec := range result.Items {
		route, _ := rec["route"].(string)
		if route == "" {
			continue
		}
		limit := Limit{
			RequestsPerSecond: intField(rec["rps"]),
			BurstSize:         intField(rec["burst"]),
		}
		if limit.RequestsPerSecond <= 0 {
			continue
		}
		if limit.BurstSize <= 0 {
			limit.BurstSize = limit.RequestsPerSecond
		}
		overrides[route] = limit
	}

	rl.SetOverrides(overrides)
	return nil
}

func intField(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// RunOverrideRefresher reloads overrides on an interval until the
// context is cancelled. Intended to run as a background goroutine.
func RunOverrideRefresher(ctx context.Context, eng *engine.Engine, rl *RateLimiter, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if err := RefreshOverrides(ctx, eng, rl); err != nil {
		logger.Warn("failed to load rate limit overrides", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := RefreshOverrides(ctx, eng, rl); err != nil {
				logger.Warn("failed to refresh rate limit overrides", slog.String("error", err.Error()))
			}
		}
	}
}
