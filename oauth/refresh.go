// Package oauth manages the account's secondary (location) credential: expiry
// checks, refresh-token grants, invalidation after an unauthorized response,
// and a jittered background refresher.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RefreshWindow is how long before nominal expiry a credential is refreshed.
const RefreshWindow = 300 * time.Second

// RunRefresher calls fn every interval (with jitter) until ctx is cancelled.
// Errors are logged and the next tick retries. It blocks, so run it inside the
// owning account's task group.
func RunRefresher(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	// Randomize initial delay to spread load across accounts.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(initialJitter):
	}
	for {
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := fn(callCtx)
		cancel()
		if err != nil && ctx.Err() == nil {
			slog.Warn("location credential refresh failed", slog.String("component", "oauth"), slog.Any("err", err))
		}

		// ±20% of interval
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
		nextSleep := interval + jitter
		if nextSleep < interval/2 {
			nextSleep = interval / 2
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(nextSleep):
		}
	}
}
