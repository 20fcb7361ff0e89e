package etl

import (
	"context"
	"time"

	"github.com/johndauphine/catalog-etl/internal/checkpoint"
	"github.com/johndauphine/catalog-etl/internal/logging"
	"github.com/johndauphine/catalog-etl/internal/metrics"
	"github.com/johndauphine/catalog-etl/internal/retry"
)

// watermarkTracker owns the per-table watermark of the running pass. It
// reads the stored value at the start of each table and only ever moves
// it forward.
type watermarkTracker struct {
	store  checkpoint.Store
	policy retry.Policy
	last   map[string]time.Time
}

func newWatermarkTracker(store checkpoint.Store, policy retry.Policy) *watermarkTracker {
	return &watermarkTracker{
		store:  store,
		policy: policy,
		last:   make(map[string]time.Time),
	}
}

// load reads the stored watermark for table. Absence is the zero time.
func (w *watermarkTracker) load(ctx context.Context, table string) (time.Time, error) {
	ts, err := retry.DoValue(ctx, w.policy, "read watermark "+table, func() (time.Time, error) {
		return w.store.Watermark(ctx, table)
	})
	if err != nil {
		return time.Time{}, err
	}
	w.last[table] = ts
	return ts, nil
}

// advance persists ts for table when it is later than the current value.
// It reports whether a write happened.
func (w *watermarkTracker) advance(ctx context.Context, table string, ts time.Time) (bool, error) {
	cur := w.last[table]
	if !ts.After(cur) {
		if ts.Before(cur) {
			logging.Warn("Ignoring watermark %s for %s: behind %s",
				checkpoint.FormatWatermark(ts), table, checkpoint.FormatWatermark(cur))
		}
		return false, nil
	}

	err := retry.Do(ctx, w.policy, "write watermark "+table, func() error {
		return w.store.SetWatermark(ctx, table, ts)
	})
	if err != nil {
		return false, err
	}
	w.last[table] = ts
	metrics.RecordWatermark(table, ts)
	return true, nil
}

// current returns the last loaded or persisted watermark for table.
func (w *watermarkTracker) current(table string) time.Time {
	return w.last[table]
}
