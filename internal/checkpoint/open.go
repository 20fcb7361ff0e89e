package checkpoint

import (
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	RedisDSN   string
	SQLitePath string
	KeyPrefix  string
}

// Open returns a new store handle. Each call yields an independent
// connection, so the heartbeat and the main loop can hold separate handles.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendRedis, "":
		if opts.RedisDSN == "" {
			return nil, fmt.Errorf("redis backend requires a dsn")
		}
		return NewRedisStore(opts.RedisDSN, opts.KeyPrefix)
	case BackendSQLite:
		if opts.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite backend requires a path")
		}
		return NewSQLiteStore(opts.SQLitePath, opts.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown state backend %q (want %s or %s)", opts.Backend, BackendRedis, BackendSQLite)
	}
}
