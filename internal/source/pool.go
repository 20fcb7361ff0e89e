package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johndauphine/catalog-etl/internal/logging"
)

// MinPoolConns is the smallest usable pool. StreamChanged holds one
// connection while its callback runs ResolveIDs and FetchByIDs on another.
const MinPoolConns = 2

// NewPool creates a PostgreSQL connection pool. Connections are opened
// lazily; use Ping to verify the database is reachable.
func NewPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	if maxConns > 0 && maxConns < MinPoolConns {
		logging.Warn("max_conns %d is too small for streaming extraction; using %d", maxConns, MinPoolConns)
		maxConns = MinPoolConns
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
		poolCfg.MinConns = int32(maxConns / 4)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "catalog-etl"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	return pool, nil
}
