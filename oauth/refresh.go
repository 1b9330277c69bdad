package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Refresher is the part of *Manager the background loop needs.
type Refresher interface {
	Identity() string
	Snapshot() Snapshot
	Refresh(ctx context.Context) error
}

// StartRefresher launches a goroutine that periodically checks the identity's
// expiry and refreshes when the remaining lifetime is within window.
// The returned channel is closed when the loop exits (ctx done).
func StartRefresher(ctx context.Context, r Refresher, interval, window time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	log := slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("identity", r.Identity()))
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if !sleepCtx(ctx, initialJitter) {
			return
		}
		for {
			checkAndRefresh(ctx, r, window, log)
			// ±20% of interval
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			if !sleepCtx(ctx, nextSleep) {
				return
			}
		}
	}()
	return done
}

func checkAndRefresh(ctx context.Context, r Refresher, window time.Duration, log *slog.Logger) {
	snap := r.Snapshot()
	if !snap.HasRefreshToken || snap.Expiry.IsZero() || snap.AuthorizationPending {
		return
	}
	// still outside window
	if time.Until(snap.Expiry) > window {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := r.Refresh(ctx2); err != nil {
		if errors.Is(err, ErrAuthorizationPending) {
			log.Warn("refresh token rejected, waiting for interactive authorization")
			return
		}
		log.Warn("proactive token refresh failed", slog.Any("err", err))
		return
	}
	log.Debug("proactive token refresh done")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
