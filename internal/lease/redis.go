// Package lease keeps the draft lock in Redis so several API replicas agree on
// a single holder without touching the settings database.
package lease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sitepress/api/internal/settings"
	"sitepress/api/internal/store"
)

const (
	defaultKey = "sitepress:draft-lock"
	// Redis drops the key this long after the lease expires. Expiry itself is
	// always judged against the caller's clock.
	expiryGrace = time.Minute
)

var acquireScript = redis.NewScript(`
local current = redis.call('HMGET', KEYS[1], 'holder', 'acquired_at', 'expires_at')
local now = tonumber(ARGV[2])
local active = current[1] and tonumber(current[3]) > now
if active and current[1] ~= ARGV[1] then
	return {0, current[1], current[2], current[3]}
end
local acquired = ARGV[2]
if active then
	acquired = current[2]
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired_at', acquired, 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, ARGV[1], acquired, ARGV[3]}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLockStore implements the draft lock on a single Redis hash.
type RedisLockStore struct {
	client *redis.Client
	key    string
}

// NewRedisLockStore connects to redisURL and verifies the connection.
func NewRedisLockStore(redisURL string) (*RedisLockStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLockStoreWithClient(client), nil
}

func NewRedisLockStoreWithClient(client *redis.Client) *RedisLockStore {
	return &RedisLockStore{client: client, key: defaultKey}
}

func (s *RedisLockStore) GetLock(ctx context.Context, now time.Time) (*settings.Lock, error) {
	values, err := s.client.HMGet(ctx, s.key, "holder", "acquired_at", "expires_at").Result()
	if err != nil {
		return nil, fmt.Errorf("read draft lock: %w", err)
	}
	if values[0] == nil {
		return nil, nil
	}
	lock, err := parseLock(values[0], values[1], values[2])
	if err != nil {
		return nil, err
	}
	if !lock.Active(now) {
		return nil, nil
	}
	return &lock, nil
}

func (s *RedisLockStore) AcquireLock(ctx context.Context, email string, ttl time.Duration, now time.Time) (settings.Lock, error) {
	expiresAt := now.Add(ttl)
	result, err := acquireScript.Run(ctx, s.client, []string{s.key},
		email,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(expiresAt.UnixMilli(), 10),
		strconv.FormatInt((ttl+expiryGrace).Milliseconds(), 10),
	).Slice()
	if err != nil {
		return settings.Lock{}, fmt.Errorf("acquire draft lock: %w", err)
	}
	if len(result) != 4 {
		return settings.Lock{}, fmt.Errorf("acquire draft lock: unexpected reply %v", result)
	}
	lock, err := parseLock(result[1], result[2], result[3])
	if err != nil {
		return settings.Lock{}, err
	}
	if granted, _ := result[0].(int64); granted != 1 {
		return settings.Lock{}, &store.LockHeldError{Lock: lock}
	}
	return lock, nil
}

func (s *RedisLockStore) ReleaseLock(ctx context.Context, email string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, s.client, []string{s.key}, email).Int64()
	if err != nil {
		return false, fmt.Errorf("release draft lock: %w", err)
	}
	return deleted > 0, nil
}

func (s *RedisLockStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisLockStore) Close() error {
	return s.client.Close()
}

func parseLock(holder, acquired, expires any) (settings.Lock, error) {
	email, ok := holder.(string)
	if !ok {
		return settings.Lock{}, fmt.Errorf("draft lock holder has type %T", holder)
	}
	acquiredAt, err := parseMillis(acquired)
	if err != nil {
		return settings.Lock{}, fmt.Errorf("draft lock acquired_at: %w", err)
	}
	expiresAt, err := parseMillis(expires)
	if err != nil {
		return settings.Lock{}, fmt.Errorf("draft lock expires_at: %w", err)
	}
	return settings.Lock{HolderEmail: email, AcquiredAt: acquiredAt, ExpiresAt: expiresAt}, nil
}

func parseMillis(value any) (time.Time, error) {
	var ms int64
	switch v := value.(type) {
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		ms = parsed
	case int64:
		ms = v
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", value)
	}
	return time.UnixMilli(ms).UTC(), nil
}
