package etl

import (
	"context"
	"errors"
	"time"

	"github.com/johndauphine/catalog-etl/internal/catalog"
	"github.com/johndauphine/catalog-etl/internal/checkpoint"
	"github.com/johndauphine/catalog-etl/internal/source"
)

var (
	// ErrDuplicateInstance means another live owner holds the lock at startup.
	ErrDuplicateInstance = errors.New("another instance holds the lock")

	// ErrLockLost means the heartbeat found the lock owned by someone else.
	ErrLockLost = errors.New("lock lost to another instance")

	// errShutdown stops a stream between chunks once shutdown is requested.
	errShutdown = errors.New("shutting down")
)

// Extractor reads changed rows, linked ids and documents from the source.
type Extractor interface {
	StreamChanged(ctx context.Context, query string, since time.Time, fn func([]source.ChangedRow) error) error
	ResolveIDs(ctx context.Context, query string, ids []string) ([]string, error)
	FetchByIDs(ctx context.Context, query string, ids []string, kind catalog.RecordKind, fn func([]catalog.Document) error) error
}

// Loader writes documents into search indexes.
type Loader interface {
	EnsureIndex(ctx context.Context, name string, schema []byte) (bool, error)
	Load(ctx context.Context, index string, docs []catalog.Document) error
}

// Deps holds every collaborator of a Coordinator. State and Lock must be
// independent handles; the heartbeat goroutine uses Lock exclusively.
type Deps struct {
	Catalog   *catalog.Catalog
	Extractor Extractor
	Loader    Loader
	State     checkpoint.Store
	Lock      checkpoint.Store

	// Observer is notified after every committed chunk. Optional.
	Observer Observer
}

// ChunkEvent describes a chunk whose watermark was just persisted.
type ChunkEvent struct {
	Table     string
	Rows      int
	Documents int
	Watermark time.Time
}

// Observer receives chunk notifications on the coordinator goroutine.
type Observer interface {
	ChunkCommitted(ev ChunkEvent)
}
