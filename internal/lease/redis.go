package lease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for profile leases.
const KeyPrefix = "realtime:"

// RedisStore keeps the lease of one profile in a Redis hash:
//
//	Key:    realtime:<profile>:lease
//	Fields: holder_id, acquired_at_ms
//	TTL:    keyTTL (cleans up a profile nobody renews)
//
// Every method is a single Lua script so entitlement check and write cannot
// interleave with another tab.
type RedisStore struct {
	client *redis.Client
	key    string
	keyTTL time.Duration

	acquireScript *redis.Script
	renewScript   *redis.Script
	releaseScript *redis.Script
}

// NewRedisStore creates a RedisStore for profile. keyTTL should exceed the
// lease TTL; zero uses twice DefaultTTL.
func NewRedisStore(client *redis.Client, profile string, keyTTL time.Duration) *RedisStore {
	if keyTTL <= 0 {
		keyTTL = 2 * DefaultTTL
	}
	return &RedisStore{
		client:        client,
		key:           KeyPrefix + profile + ":lease",
		keyTTL:        keyTTL,
		acquireScript: redis.NewScript(acquireLua),
		renewScript:   redis.NewScript(renewLua),
		releaseScript: redis.NewScript(releaseLua),
	}
}

// Key returns the Redis key of the lease hash.
func (s *RedisStore) Key() string {
	return s.key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, s.key).Scan(&rec); err != nil {
		return nil, fmt.Errorf("lease: get: %w", err)
	}
	if rec.HolderID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// TryAcquire implements Store.
func (s *RedisStore) TryAcquire(ctx context.Context, holderID string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.acquireScript.Run(ctx, s.client, []string{s.key},
		holderID,
		strconv.FormatInt(now.UnixMilli(), 10),
		ttl.Milliseconds(),
		s.keyTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("lease: acquire: %w", err)
	}
	return res == 1, nil
}

// Renew implements Store.
func (s *RedisStore) Renew(ctx context.Context, holderID string, now time.Time) error {
	res, err := s.renewScript.Run(ctx, s.client, []string{s.key},
		holderID,
		strconv.FormatInt(now.UnixMilli(), 10),
		s.keyTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("lease: renew: %w", err)
	}
	if res != 1 {
		return ErrNotHolder
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, holderID string) (bool, error) {
	res, err := s.releaseScript.Run(ctx, s.client, []string{s.key}, holderID).Int()
	if err != nil {
		return false, fmt.Errorf("lease: release: %w", err)
	}
	return res == 1, nil
}

// acquireLua writes the caller's record when there is no record, the record
// is the caller's, or the record is older than the lease TTL.
//
//	ARGV: holder_id, now_ms, ttl_ms, key_ttl_ms
//	returns 1 = acquired/renewed, 0 = held by another live tab
const acquireLua = `
local key = KEYS[1]
local holder = ARGV[1]
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = redis.call('HGET', key, 'holder_id')
if current and current ~= holder then
    local acquired = tonumber(redis.call('HGET', key, 'acquired_at_ms'))
    if acquired and (now - acquired) <= ttl then
        return 0
    end
end

redis.call('HSET', key, 'holder_id', holder, 'acquired_at_ms', ARGV[2])
redis.call('PEXPIRE', key, ARGV[4])
return 1
`

// renewLua refreshes acquired_at_ms only for the current holder.
//
//	ARGV: holder_id, now_ms, key_ttl_ms
const renewLua = `
local key = KEYS[1]
if redis.call('HGET', key, 'holder_id') ~= ARGV[1] then
    return 0
end
redis.call('HSET', key, 'acquired_at_ms', ARGV[2])
redis.call('PEXPIRE', key, ARGV[3])
return 1
`

// releaseLua is a compare-and-delete on holder_id.
const releaseLua = `
if redis.call('HGET', KEYS[1], 'holder_id') == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
