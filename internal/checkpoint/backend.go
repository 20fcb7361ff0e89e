// Package checkpoint persists per-table watermarks and the single-instance
// lock. Two backends are provided: Redis (shared, the production default)
// and SQLite (single host).
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store defines the interface for watermark and lock persistence.
//
// Watermark writes are plain overwrites; ordering is the caller's concern.
// Lock operations are compare-and-set on the owner token and never block.
type Store interface {
	// Watermarks
	Watermark(ctx context.Context, table string) (time.Time, error)
	SetWatermark(ctx context.Context, table string, ts time.Time) error
	ResetWatermark(ctx context.Context, table string) error
	Watermarks(ctx context.Context) (map[string]time.Time, error)

	// Single-instance lock
	TryAcquireLock(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, owner string) error
	LockHolder(ctx context.Context) (*LockInfo, error) // nil when no live lock

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// LockInfo describes the live lock record.
type LockInfo struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Keys builds the namespaced key names shared by every backend.
type Keys struct {
	Prefix string
}

// Lock returns the lock key, e.g. "ETL:LOCK".
func (k Keys) Lock() string {
	return k.prefix() + ":LOCK"
}

// Watermark returns the watermark key for table, e.g. "ETL:MODIFY:filmwork".
func (k Keys) Watermark(table string) string {
	return k.watermarkPrefix() + table
}

// TableFromKey is the inverse of Watermark.
func (k Keys) TableFromKey(key string) (string, bool) {
	p := k.watermarkPrefix()
	if !strings.HasPrefix(key, p) || len(key) == len(p) {
		return "", false
	}
	return key[len(p):], true
}

func (k Keys) watermarkPrefix() string {
	return k.prefix() + ":MODIFY:"
}

func (k Keys) prefix() string {
	if k.Prefix == "" {
		return "ETL"
	}
	return k.Prefix
}

// Accepted watermark encodings. New values are always written as
// RFC 3339 with nanoseconds in UTC; the space-separated forms are what
// older deployments stored.
var watermarkLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// FormatWatermark encodes ts for storage.
func FormatWatermark(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// ParseWatermark decodes a stored watermark. Values without a zone are
// taken as UTC.
func ParseWatermark(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range watermarkLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid watermark %q", s)
}
