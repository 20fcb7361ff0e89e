package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock scripts compare the stored owner token before touching the key so a
// stale instance can never extend or delete a lock it no longer holds.
var (
	acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore keeps watermarks as plain string keys and the lock as a key
// with a PX expiry.
type RedisStore struct {
	client *redis.Client
	keys   Keys
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects using a redis:// URL. The connection is lazy; call
// Ping to verify it.
func NewRedisStore(dsn, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing redis dsn: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts), keys: Keys{Prefix: prefix}}, nil
}

func (s *RedisStore) Watermark(ctx context.Context, table string) (time.Time, error) {
	v, err := s.client.Get(ctx, s.keys.Watermark(table)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark for %s: %w", table, err)
	}
	return ParseWatermark(v)
}

func (s *RedisStore) SetWatermark(ctx context.Context, table string, ts time.Time) error {
	if err := s.client.Set(ctx, s.keys.Watermark(table), FormatWatermark(ts), 0).Err(); err != nil {
		return fmt.Errorf("writing watermark for %s: %w", table, err)
	}
	return nil
}

func (s *RedisStore) ResetWatermark(ctx context.Context, table string) error {
	if err := s.client.Del(ctx, s.keys.Watermark(table)).Err(); err != nil {
		return fmt.Errorf("deleting watermark for %s: %w", table, err)
	}
	return nil
}

func (s *RedisStore) Watermarks(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	iter := s.client.Scan(ctx, 0, s.keys.Watermark("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		table, ok := s.keys.TableFromKey(key)
		if !ok {
			continue
		}
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		ts, err := ParseWatermark(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[table] = ts
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning watermarks: %w", err)
	}
	return out, nil
}

func (s *RedisStore) TryAcquireLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, s.client, []string{s.keys.Lock()}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) RenewLock(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{s.keys.Lock()}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renewing lock: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.keys.Lock()}, owner).Err(); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

func (s *RedisStore) LockHolder(ctx context.Context) (*LockInfo, error) {
	key := s.keys.Lock()
	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock: %w", err)
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading lock ttl: %w", err)
	}
	info := &LockInfo{Owner: owner}
	if ttl > 0 {
		info.ExpiresAt = time.Now().Add(ttl)
	}
	return info, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
