package etl

import (
	"context"
	"time"

	"github.com/johndauphine/catalog-etl/internal/logging"
	"github.com/johndauphine/catalog-etl/internal/metrics"
	"github.com/johndauphine/catalog-etl/internal/retry"
)

// heartbeatInterval renews at least once well before the lock expires:
// min(5s, ttl-5s), or ttl/2 for short TTLs.
func heartbeatInterval(ttl time.Duration) time.Duration {
	if ttl <= 5*time.Second {
		return ttl / 2
	}
	return min(5*time.Second, ttl-5*time.Second)
}

// heartbeat renews the lock every interval until ctx is cancelled or the
// lock is found in foreign hands. It only touches c.deps.Lock, which is
// never used by the main loop after Start.
func (c *Coordinator) heartbeat(ctx context.Context, interval time.Duration) {
	defer close(c.hbDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.renew(ctx, interval) {
			return
		}
	}
}

// renew performs one renewal round and reports whether the heartbeat
// should keep running.
func (c *Coordinator) renew(ctx context.Context, interval time.Duration) bool {
	lock := c.deps.Lock
	renewed, err := retry.DoValue(ctx, retry.Unbounded(interval), "lock renewal", func() (bool, error) {
		return lock.RenewLock(ctx, c.owner, c.cfg.LockTTL)
	})
	if err != nil {
		// only cancellation ends an unbounded retry
		return false
	}
	if renewed {
		metrics.LockRenewals.WithLabelValues("renewed").Inc()
		logging.Debug("Lock renewed for %v", c.cfg.LockTTL)
		return true
	}

	holder, err := lock.LockHolder(ctx)
	if err != nil {
		metrics.LockRenewals.WithLabelValues("error").Inc()
		logging.Warn("Lock not renewed and holder unknown: %v", err)
		return true
	}
	if holder == nil || holder.Owner == c.owner {
		ok, err := lock.TryAcquireLock(ctx, c.owner, c.cfg.LockTTL)
		if err == nil && ok {
			metrics.LockRenewals.WithLabelValues("reacquired").Inc()
			logging.Warn("Lock expired before renewal; re-acquired")
			return true
		}
		if err != nil {
			metrics.LockRenewals.WithLabelValues("error").Inc()
			logging.Warn("Lock re-acquisition failed: %v", err)
			return true
		}
		holder, _ = lock.LockHolder(ctx)
	}

	foreign := "unknown owner"
	if holder != nil {
		foreign = holder.Owner
	}
	metrics.LockRenewals.WithLabelValues("lost").Inc()
	logging.Error("Lock taken over by %s; stopping", foreign)
	c.markLockLost()
	return false
}
