// Package source streams changed rows and documents out of PostgreSQL in
// bounded chunks.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johndauphine/catalog-etl/internal/catalog"
	"github.com/johndauphine/catalog-etl/internal/retry"
	"github.com/johndauphine/catalog-etl/internal/util"
)

// DefaultChunkSize is the number of rows delivered per callback.
const DefaultChunkSize = 100

// ChangedRow is one result of a "changed since watermark" query.
type ChangedRow struct {
	ID       string
	Modified time.Time
}

// Querier is the subset of pgxpool.Pool the extractor needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Options configures an Extractor.
type Options struct {
	// ChunkSize is the number of rows per callback. Default 100.
	ChunkSize int

	// Retry bounds reconnect attempts made before the first chunk of a
	// call is delivered.
	Retry retry.Policy
}

// Extractor runs catalog queries and groups their rows into chunks.
type Extractor struct {
	q         Querier
	pool      *pgxpool.Pool
	chunkSize int
	policy    retry.Policy
}

// New creates an Extractor on top of q.
func New(q Querier, opts Options) *Extractor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.Bounded(5*time.Minute, 2*time.Minute)
	}
	e := &Extractor{q: q, chunkSize: opts.ChunkSize, policy: opts.Retry}
	if p, ok := q.(*pgxpool.Pool); ok {
		e.pool = p
	}
	return e
}

// Connect opens a pool for dsn and wraps it in an Extractor.
func Connect(ctx context.Context, dsn string, maxConns int, opts Options) (*Extractor, error) {
	pool, err := NewPool(ctx, dsn, maxConns)
	if err != nil {
		return nil, err
	}
	return New(pool, opts), nil
}

// ChunkSize returns the configured chunk size.
func (e *Extractor) ChunkSize() int {
	return e.chunkSize
}

// Ping checks the database connection.
func (e *Extractor) Ping(ctx context.Context) error {
	if e.pool == nil {
		return nil
	}
	return e.pool.Ping(ctx)
}

// Close releases the underlying pool, if the extractor owns one.
func (e *Extractor) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

// StreamChanged runs query with $1 = since and calls fn for every chunk of
// (id, modified) rows in the order the database returns them.
func (e *Extractor) StreamChanged(ctx context.Context, query string, since time.Time, fn func([]ChangedRow) error) error {
	return stream[ChangedRow](ctx, e, "changed rows query", query, []any{since}, pgx.RowToStructByPos[ChangedRow], fn)
}

// ResolveIDs runs a linking query with $1 = ids and returns the distinct
// target ids in first-seen order.
func (e *Extractor) ResolveIDs(ctx context.Context, query string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []string
	err := stream[string](ctx, e, "linking query", query, []any{ids}, pgx.RowTo[string], func(chunk []string) error {
		out = append(out, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return util.Unique(out), nil
}

// FetchByIDs runs a data query with $1 = ids and decodes each row as kind.
func (e *Extractor) FetchByIDs(ctx context.Context, query string, ids []string, kind catalog.RecordKind, fn func([]catalog.Document) error) error {
	if len(ids) == 0 {
		return nil
	}
	decode, err := decoderFor(kind)
	if err != nil {
		return err
	}
	return stream[catalog.Document](ctx, e, kind.String()+" data query", query, []any{ids}, decode, fn)
}

func decoderFor(kind catalog.RecordKind) (pgx.RowToFunc[catalog.Document], error) {
	switch kind {
	case catalog.KindFilm:
		return asDocument[*catalog.FilmDocument](pgx.RowToAddrOfStructByNameLax[catalog.FilmDocument]), nil
	case catalog.KindPerson:
		return asDocument[*catalog.PersonDocument](pgx.RowToAddrOfStructByNameLax[catalog.PersonDocument]), nil
	case catalog.KindGenre:
		return asDocument[*catalog.GenreDocument](pgx.RowToAddrOfStructByNameLax[catalog.GenreDocument]), nil
	}
	return nil, fmt.Errorf("no decoder for record kind %v", kind)
}

func asDocument[D catalog.Document](fn pgx.RowToFunc[D]) pgx.RowToFunc[catalog.Document] {
	return func(row pgx.CollectableRow) (catalog.Document, error) {
		d, err := fn(row)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// stream is the shared chunking loop. Failures before the first chunk is
// handed to fn are retried when transient; once a chunk has been delivered
// any failure aborts the call, since the caller may already have acted on
// earlier chunks.
func stream[T any](ctx context.Context, e *Extractor, what, query string, args []any, decode pgx.RowToFunc[T], fn func([]T) error) error {
	delivered := false
	return retry.Do(ctx, e.policy, what, func() error {
		rows, err := e.q.Query(ctx, query, args...)
		if err != nil {
			return classify(fmt.Errorf("%s: %w", what, err))
		}
		defer rows.Close()

		buf := make([]T, 0, e.chunkSize)
		flush := func() error {
			delivered = true
			if err := fn(buf); err != nil {
				return retry.Permanent(err)
			}
			buf = make([]T, 0, e.chunkSize)
			return nil
		}

		for rows.Next() {
			v, err := decode(rows)
			if err != nil {
				return retry.Permanent(fmt.Errorf("%s: decoding row: %w", what, err))
			}
			buf = append(buf, v)
			if len(buf) == e.chunkSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := rows.Err(); err != nil {
			err = fmt.Errorf("%s: %w", what, err)
			if delivered {
				return retry.Permanent(err)
			}
			return classify(err)
		}
		if len(buf) > 0 {
			return flush()
		}
		return nil
	})
}

func classify(err error) error {
	if IsTransient(err) {
		return err
	}
	return retry.Permanent(err)
}
