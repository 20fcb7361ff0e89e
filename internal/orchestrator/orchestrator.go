// Package orchestrator wires configuration into the indexer's components
// and implements the operator commands.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/johndauphine/catalog-etl/internal/catalog"
	"github.com/johndauphine/catalog-etl/internal/checkpoint"
	"github.com/johndauphine/catalog-etl/internal/config"
	"github.com/johndauphine/catalog-etl/internal/etl"
	"github.com/johndauphine/catalog-etl/internal/logging"
	"github.com/johndauphine/catalog-etl/internal/retry"
	"github.com/johndauphine/catalog-etl/internal/search"
	"github.com/johndauphine/catalog-etl/internal/source"
)

// Source is the extractor as seen by the orchestrator.
type Source interface {
	etl.Extractor
	Ping(ctx context.Context) error
	Close()
}

// Sink is the loader as seen by the orchestrator.
type Sink interface {
	etl.Loader
	Ping(ctx context.Context) error
}

// Orchestrator owns every connection used by a command.
type Orchestrator struct {
	config  *config.Config
	catalog *catalog.Catalog
	source  Source
	sink    Sink
	state   checkpoint.Store
	lock    checkpoint.Store
}

// New opens all components described by cfg. Connections are lazy, so New
// succeeds even when a backend is down.
func New(cfg *config.Config) (*Orchestrator, error) {
	cat, err := LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	policy := retry.Bounded(cfg.ETL.RetryMaxElapsed, cfg.ETL.RetryMaxInterval)

	src, err := source.Connect(context.Background(), cfg.Postgres.DSN, cfg.Postgres.MaxConns, source.Options{
		ChunkSize: cfg.ETL.ChunkSize,
		Retry:     policy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating source: %w", err)
	}

	sink, err := search.New(cfg.Elastic.BaseURL, search.Options{
		BulkSize: cfg.Elastic.BulkSize,
		Retry:    policy,
	})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating loader: %w", err)
	}

	opts := checkpoint.Options{
		Backend:    cfg.State.Backend,
		RedisDSN:   cfg.State.RedisDSN,
		SQLitePath: cfg.State.SQLitePath,
		KeyPrefix:  cfg.State.KeyPrefix,
	}
	state, err := checkpoint.Open(opts)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	lock, err := checkpoint.Open(opts)
	if err != nil {
		src.Close()
		state.Close()
		return nil, fmt.Errorf("opening lock store: %w", err)
	}

	return newOrchestrator(cfg, cat, src, sink, state, lock), nil
}

func newOrchestrator(cfg *config.Config, cat *catalog.Catalog, src Source, sink Sink, state, lock checkpoint.Store) *Orchestrator {
	return &Orchestrator{
		config:  cfg,
		catalog: cat,
		source:  src,
		sink:    sink,
		state:   state,
		lock:    lock,
	}
}

// LoadCatalog reads the configured adapter catalog and applies the table
// selection.
func LoadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	var (
		cat *catalog.Catalog
		err error
	)
	if cfg.ETL.AdaptersFile != "" {
		cat, err = catalog.Load(cfg.ETL.AdaptersFile)
	} else {
		cat, err = catalog.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading adapter catalog: %w", err)
	}
	cat, err = cat.Select(cfg.ETL.Tables)
	if err != nil {
		return nil, fmt.Errorf("selecting tables: %w", err)
	}
	return cat, nil
}

// Close releases all connections.
func (o *Orchestrator) Close() {
	if o.source != nil {
		o.source.Close()
	}
	for _, s := range []checkpoint.Store{o.state, o.lock} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			logging.Warn("Closing state store: %v", err)
		}
	}
}

// Config returns the configuration the orchestrator was built from.
func (o *Orchestrator) Config() *config.Config { return o.config }

// Catalog returns the active adapter catalog.
func (o *Orchestrator) Catalog() *catalog.Catalog { return o.catalog }

// Coordinator builds a coordinator over the orchestrator's connections.
// observer may be nil.
func (o *Orchestrator) Coordinator(observer etl.Observer) *etl.Coordinator {
	c := o.config.ETL
	return etl.New(etl.Deps{
		Catalog:   o.catalog,
		Extractor: o.source,
		Loader:    o.sink,
		State:     o.state,
		Lock:      o.lock,
		Observer:  observer,
	}, etl.Config{
		PassInterval:  c.SleepInterval,
		LockTTL:       c.LockTTL,
		Retry:         retry.Bounded(c.RetryMaxElapsed, c.RetryMaxInterval),
		MaxBackoff:    c.RetryMaxInterval,
		ShutdownGrace: c.ShutdownGrace,
	})
}

// Bootstrap creates every declared index that is missing and returns the
// names it created.
func (o *Orchestrator) Bootstrap(ctx context.Context) ([]string, error) {
	created, err := etl.EnsureIndexes(ctx, o.catalog, o.sink)
	if err != nil {
		return created, err
	}
	if len(created) == 0 {
		logging.Info("All %d indexes already exist", len(o.catalog.Indexes))
	}
	return created, nil
}

// TableStatus is the checkpoint of one table.
type TableStatus struct {
	Table     string     `json:"table"`
	Watermark *time.Time `json:"watermark"`
	Declared  bool       `json:"declared"`
}

// StatusResult describes stored checkpoints and the lock.
type StatusResult struct {
	Tables []TableStatus         `json:"tables"`
	Lock   *checkpoint.LockInfo `json:"lock"`
}

// Status reads watermarks for declared tables plus any other stored ones,
// and the current lock holder.
func (o *Orchestrator) Status(ctx context.Context) (*StatusResult, error) {
	marks, err := o.state.Watermarks(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading watermarks: %w", err)
	}
	holder, err := o.state.LockHolder(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading lock: %w", err)
	}

	res := &StatusResult{Lock: holder}
	declared := o.catalog.TableNames()
	for _, t := range declared {
		ts := TableStatus{Table: t, Declared: true}
		if wm, ok := marks[t]; ok {
			ts.Watermark = &wm
		}
		res.Tables = append(res.Tables, ts)
	}

	var extra []string
	for t := range marks {
		if !slices.Contains(declared, t) {
			extra = append(extra, t)
		}
	}
	sort.Strings(extra)
	for _, t := range extra {
		wm := marks[t]
		res.Tables = append(res.Tables, TableStatus{Table: t, Watermark: &wm})
	}
	return res, nil
}

// Reset deletes watermarks so the next pass reindexes those tables from
// the beginning. With all set, every declared and stored table is reset.
func (o *Orchestrator) Reset(ctx context.Context, tables []string, all bool) ([]string, error) {
	if all {
		marks, err := o.state.Watermarks(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading watermarks: %w", err)
		}
		tables = o.catalog.TableNames()
		for t := range marks {
			if !slices.Contains(tables, t) {
				tables = append(tables, t)
			}
		}
	}
	if len(tables) == 0 {
		return nil, errors.New("no tables to reset")
	}

	declared := o.catalog.TableNames()
	for _, t := range tables {
		if !all && !slices.Contains(declared, t) {
			return nil, fmt.Errorf("unknown table %q (declared: %v)", t, declared)
		}
	}

	var reset []string
	for _, t := range tables {
		if err := o.state.ResetWatermark(ctx, t); err != nil {
			return reset, fmt.Errorf("resetting %s: %w", t, err)
		}
		logging.Info("Watermark for %s reset", t)
		reset = append(reset, t)
	}
	return reset, nil
}
