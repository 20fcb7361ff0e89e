// Package etl runs the incremental indexing loop: it holds the
// single-instance lock, walks every table adapter, fans changed rows out to
// their indexes and advances per-table watermarks.
package etl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/johndauphine/catalog-etl/internal/catalog"
	"github.com/johndauphine/catalog-etl/internal/checkpoint"
	"github.com/johndauphine/catalog-etl/internal/logging"
	"github.com/johndauphine/catalog-etl/internal/metrics"
	"github.com/johndauphine/catalog-etl/internal/retry"
	"github.com/johndauphine/catalog-etl/internal/source"
	"github.com/johndauphine/catalog-etl/internal/util"
)

// State is a coordinator lifecycle state.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateLockAcquired
	StateRunning
	StateSleeping
	StateStopping
	StateStopped
)

var stateNames = [...]string{"new", "starting", "lock_acquired", "running", "sleeping", "stopping", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Config tunes a Coordinator. Zero values take the defaults noted.
type Config struct {
	// PassInterval is the sleep between passes. Default 30s.
	PassInterval time.Duration

	// LockTTL is the lock expiry. Default 10s.
	LockTTL time.Duration

	// HeartbeatInterval overrides the renewal period derived from LockTTL.
	HeartbeatInterval time.Duration

	// Retry bounds store operations inside a pass.
	Retry retry.Policy

	// MaxBackoff caps the delay between failed passes and between startup
	// connection attempts. Default 120s.
	MaxBackoff time.Duration

	// ShutdownGrace is how long the current chunk may keep running after
	// the context is cancelled. Default 10s.
	ShutdownGrace time.Duration

	// Owner is the lock token. Default a random UUID.
	Owner string
}

func (c *Config) applyDefaults() {
	if c.PassInterval <= 0 {
		c.PassInterval = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval(c.LockTTL)
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 120 * time.Second
	}
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.Bounded(5*time.Minute, c.MaxBackoff)
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.Owner == "" {
		c.Owner = uuid.NewString()
	}
}

// Coordinator drives passes over the catalog. It is not safe for
// concurrent use; Run, RunOnce and Start/Stop belong to one goroutine.
type Coordinator struct {
	deps  Deps
	cfg   Config
	owner string

	state    atomic.Int32
	lockLost atomic.Bool
	lostCh   chan struct{}
	lostOnce sync.Once

	hbCancel context.CancelFunc
	hbDone   chan struct{}

	wm      *watermarkTracker
	ensured map[string]bool
}

// New creates a Coordinator. deps.State and deps.Lock must be separate
// store handles.
func New(deps Deps, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		deps:    deps,
		cfg:     cfg,
		owner:   cfg.Owner,
		lostCh:  make(chan struct{}),
		wm:      newWatermarkTracker(deps.State, cfg.Retry),
		ensured: make(map[string]bool),
	}
}

// Owner returns the lock token of this coordinator.
func (c *Coordinator) Owner() string { return c.owner }

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// LockLost reports whether the heartbeat saw the lock taken over.
func (c *Coordinator) LockLost() bool { return c.lockLost.Load() }

func (c *Coordinator) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		logging.Debug("Coordinator state %s -> %s", prev, s)
	}
}

func (c *Coordinator) markLockLost() {
	c.lockLost.Store(true)
	c.lostOnce.Do(func() { close(c.lostCh) })
	metrics.SetLockHeld(false)
}

// Start connects to the store, takes the lock and starts the heartbeat.
// Connection failures are retried until ctx is done. A lock held by another
// live owner returns ErrDuplicateInstance.
func (c *Coordinator) Start(ctx context.Context) error {
	c.setState(StateStarting)
	startup := retry.Unbounded(c.cfg.MaxBackoff)

	for _, s := range []checkpoint.Store{c.deps.Lock, c.deps.State} {
		if err := retry.Do(ctx, startup, "state store ping", func() error { return s.Ping(ctx) }); err != nil {
			return fmt.Errorf("connecting to state store: %w", err)
		}
	}

	ok, err := retry.DoValue(ctx, startup, "lock acquisition", func() (bool, error) {
		return c.deps.Lock.TryAcquireLock(ctx, c.owner, c.cfg.LockTTL)
	})
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	var holder *checkpoint.LockInfo
	if !ok {
		holder, _ = c.deps.Lock.LockHolder(ctx)
		if holder == nil {
			// the previous holder expired between the two calls
			ok, err = c.deps.Lock.TryAcquireLock(ctx, c.owner, c.cfg.LockTTL)
			if err != nil {
				return fmt.Errorf("acquiring lock: %w", err)
			}
			if !ok {
				holder, _ = c.deps.Lock.LockHolder(ctx)
			}
		}
	}
	if !ok {
		if holder != nil {
			return fmt.Errorf("%w (owner %s, expires %s)", ErrDuplicateInstance, holder.Owner, holder.ExpiresAt.Format(time.RFC3339))
		}
		return ErrDuplicateInstance
	}

	metrics.SetLockHeld(true)
	c.setState(StateLockAcquired)
	logging.Info("Lock acquired (owner %s, ttl %v, heartbeat %v)", c.owner, c.cfg.LockTTL, c.cfg.HeartbeatInterval)

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.hbCancel = cancel
	c.hbDone = make(chan struct{})
	go c.heartbeat(hbCtx, c.cfg.HeartbeatInterval)
	return nil
}

// Stop ends the heartbeat and releases the lock if it is still ours.
func (c *Coordinator) Stop() {
	if c.hbCancel == nil {
		c.setState(StateStopped)
		return
	}
	c.setState(StateStopping)
	c.hbCancel()
	<-c.hbDone
	c.hbCancel = nil

	if !c.lockLost.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.deps.Lock.ReleaseLock(ctx, c.owner); err != nil {
			logging.Warn("Releasing lock: %v", err)
		} else {
			logging.Info("Lock released")
		}
	}
	metrics.SetLockHeld(false)
	c.setState(StateStopped)
}

// Run starts the coordinator and runs passes until ctx is cancelled. A
// failed pass is retried after an exponential backoff capped at
// MaxBackoff. Run returns nil on cancellation, ErrDuplicateInstance if the
// lock is held elsewhere at startup and ErrLockLost if it is taken over
// later.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}
		return err
	}
	defer c.Stop()

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if c.lockLost.Load() {
			return ErrLockLost
		}
		c.setState(StateRunning)
		_, err := c.RunPass(ctx)
		if errors.Is(err, ErrLockLost) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := c.cfg.PassInterval
		if err != nil {
			wait = b.NextBackOff()
			logging.Error("Pass failed: %v (retrying in %v)", err, wait.Round(time.Millisecond))
		} else {
			b.Reset()
		}

		c.setState(StateSleeping)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.lostCh:
			timer.Stop()
			return ErrLockLost
		case <-timer.C:
		}
	}
}

// RunOnce starts the coordinator, runs a single pass and stops.
func (c *Coordinator) RunOnce(ctx context.Context) (Stats, error) {
	if err := c.Start(ctx); err != nil {
		return Stats{}, err
	}
	defer c.Stop()
	c.setState(StateRunning)
	return c.RunPass(ctx)
}

// RunPass walks every table adapter once. The caller must hold the lock.
//
// Work already in flight when ctx is cancelled continues under a detached
// context for up to ShutdownGrace; no new chunk is started after that.
func (c *Coordinator) RunPass(ctx context.Context) (Stats, error) {
	start := time.Now()
	opCtx, release := c.graceContext(ctx)
	defer release()

	var stats Stats
	var err error
	for _, t := range c.deps.Catalog.Tables {
		if ctx.Err() != nil {
			break
		}
		if c.lockLost.Load() {
			err = ErrLockLost
			break
		}
		var ts Stats
		ts, err = c.syncTable(ctx, opCtx, t)
		stats.add(ts)
		if err != nil {
			err = fmt.Errorf("table %s: %w", t.Table, err)
			break
		}
	}

	metrics.RecordPass(time.Since(start), err)
	if err != nil {
		return stats, err
	}
	if ctx.Err() != nil {
		logging.Info("Pass interrupted by shutdown after %v: %s", time.Since(start).Round(time.Millisecond), stats.String())
		return stats, nil
	}
	if stats.Chunks == 0 {
		logging.Info("No new data")
	} else {
		logging.Info("Pass complete in %v: %s", time.Since(start).Round(time.Millisecond), stats.String())
	}
	return stats, nil
}

// graceContext returns a context that outlives ctx by ShutdownGrace.
func (c *Coordinator) graceContext(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	grace := c.cfg.ShutdownGrace
	stop := context.AfterFunc(ctx, func() {
		logging.Info("Shutdown requested; finishing current chunk (grace %v)", grace)
		time.AfterFunc(grace, cancel)
	})
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (c *Coordinator) syncTable(ctx, opCtx context.Context, t catalog.TableAdapter) (Stats, error) {
	var stats Stats
	began := time.Now()

	since, err := c.wm.load(opCtx, t.Table)
	if err != nil {
		return stats, err
	}
	logging.Debug("Table %s: reading changes since %s", t.Table, checkpoint.FormatWatermark(since))

	err = c.deps.Extractor.StreamChanged(opCtx, t.ChangedQuery, since, func(rows []source.ChangedRow) error {
		if ctx.Err() != nil {
			return errShutdown
		}
		if c.lockLost.Load() {
			return ErrLockLost
		}
		return c.processChunk(opCtx, t, rows, &stats)
	})
	stats.ExtractTime = time.Since(began) - stats.LoadTime - stats.CheckpointTime

	if errors.Is(err, errShutdown) {
		logging.Info("Table %s interrupted by shutdown after %d chunks", t.Table, stats.Chunks)
		return stats, nil
	}
	if err != nil {
		return stats, err
	}

	if stats.Chunks == 0 {
		logging.Info("%s no updated data", t.Table)
	} else {
		logging.Info("Table %s synced: %d rows, %d documents, last update %s",
			t.Table, stats.Rows, stats.Documents, checkpoint.FormatWatermark(c.wm.current(t.Table)))
	}
	return stats, nil
}

// processChunk loads one chunk into every index of the table, then
// persists the chunk's last modified value as the new watermark.
func (c *Coordinator) processChunk(ctx context.Context, t catalog.TableAdapter, rows []source.ChangedRow, stats *Stats) error {
	if len(rows) == 0 {
		return nil
	}
	metrics.RowsExtracted.WithLabelValues(t.Table).Add(float64(len(rows)))

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	ids = util.Unique(ids)

	docs := 0
	for _, ia := range t.Indexes {
		n, err := c.loadIndex(ctx, ia, ids, stats)
		if err != nil {
			return fmt.Errorf("index %s: %w", ia.Index, err)
		}
		docs += n
	}

	// a lost lock means another instance may already own this watermark
	if c.lockLost.Load() {
		return ErrLockLost
	}

	last := rows[len(rows)-1].Modified
	began := time.Now()
	if _, err := c.wm.advance(ctx, t.Table, last); err != nil {
		return err
	}
	stats.CheckpointTime += time.Since(began)

	stats.Chunks++
	stats.Rows += int64(len(rows))
	stats.Documents += int64(docs)

	if c.deps.Observer != nil {
		c.deps.Observer.ChunkCommitted(ChunkEvent{
			Table:     t.Table,
			Rows:      len(rows),
			Documents: docs,
			Watermark: last,
		})
	}
	return nil
}

// loadIndex resolves the target ids of one index adapter, fetches their
// documents and bulk loads them. It returns the number of documents loaded.
func (c *Coordinator) loadIndex(ctx context.Context, ia catalog.IndexAdapter, ids []string, stats *Stats) (int, error) {
	target := ids
	if ia.HasLinking() {
		var err error
		target, err = c.deps.Extractor.ResolveIDs(ctx, ia.LinkingQuery, ids)
		if err != nil {
			return 0, err
		}
	}
	if len(target) == 0 {
		return 0, nil
	}

	loaded := 0
	err := c.deps.Extractor.FetchByIDs(ctx, ia.DataQuery, target, ia.Kind, func(docs []catalog.Document) error {
		began := time.Now()
		defer func() { stats.LoadTime += time.Since(began) }()

		if err := c.ensureIndex(ctx, ia.Index); err != nil {
			return err
		}
		if err := c.deps.Loader.Load(ctx, ia.Index, docs); err != nil {
			return err
		}
		loaded += len(docs)
		return nil
	})
	return loaded, err
}

// ensureIndex creates name on its first use by this coordinator.
func (c *Coordinator) ensureIndex(ctx context.Context, name string) error {
	if c.ensured[name] {
		return nil
	}
	idx, ok := c.deps.Catalog.Index(name)
	if !ok {
		return fmt.Errorf("index %s is not declared", name)
	}
	if _, err := c.deps.Loader.EnsureIndex(ctx, idx.Name, idx.Schema); err != nil {
		return err
	}
	c.ensured[name] = true
	return nil
}

// EnsureIndexes creates every declared index that does not exist yet.
func EnsureIndexes(ctx context.Context, cat *catalog.Catalog, loader Loader) ([]string, error) {
	var created []string
	for _, idx := range cat.Indexes {
		ok, err := loader.EnsureIndex(ctx, idx.Name, idx.Schema)
		if err != nil {
			return created, fmt.Errorf("index %s: %w", idx.Name, err)
		}
		if ok {
			created = append(created, idx.Name)
		}
	}
	return created, nil
}
