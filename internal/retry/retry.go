// Package retry wraps cenkalti/backoff with the two retry budgets used by
// the indexer: bounded (intra-pass operations) and unbounded (store
// connectivity and lock upkeep).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johndauphine/catalog-etl/internal/logging"
	"github.com/johndauphine/catalog-etl/internal/metrics"
)

// Policy describes an exponential backoff with jitter.
type Policy struct {
	// InitialInterval is the first delay. Default 500ms.
	InitialInterval time.Duration

	// MaxInterval caps a single delay. Default 120s.
	MaxInterval time.Duration

	// MaxElapsed bounds the whole retry sequence. Zero means retry forever.
	MaxElapsed time.Duration
}

// Bounded returns a policy that gives up after maxElapsed.
func Bounded(maxElapsed, maxInterval time.Duration) Policy {
	return Policy{MaxInterval: maxInterval, MaxElapsed: maxElapsed}
}

// Unbounded returns a policy that only stops on success, a permanent error
// or context cancellation.
func Unbounded(maxInterval time.Duration) Policy {
	return Policy{MaxInterval: maxInterval}
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxInterval = 120 * time.Second
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. The last error from op is returned on exhaustion.
func Do(ctx context.Context, p Policy, what string, op func() error) error {
	_, err := DoValue(ctx, p, what, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, what string, op func() (T, error)) (T, error) {
	attempt := 0
	notify := func(err error, next time.Duration) {
		attempt++
		metrics.Retries.WithLabelValues(what).Inc()
		logging.Warn("Retry %d for %s after %v (error: %v)", attempt, what, next.Round(time.Millisecond), err)
	}
	return backoff.RetryNotifyWithData(op, p.newBackOff(ctx), notify)
}

// Permanent marks err so that Do stops retrying and returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
