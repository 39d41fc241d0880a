package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// bumpScript increments a generation and, when ARGV[1] > 0, refreshes its
// expiry in the same call.
var bumpScript = redis.NewScript(`
local g = redis.call("INCR", KEYS[1])
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return g
`)

// RedisGenStore keeps generations in Redis so that an eviction by any
// process sharing a region invalidates the frames every other process
// cached. With a TTL, generations of keys that stop being written expire;
// an expired generation reads as 0 and the stale frame self-heals.
type RedisGenStore struct {
	rdb redis.UniversalClient
	ns  string
	ttl time.Duration
}

var _ GenStore = (*RedisGenStore)(nil)

func NewRedisGenStore(client redis.UniversalClient, namespace string) *RedisGenStore {
	if namespace == "" {
		namespace = "casorm"
	}
	return &RedisGenStore{rdb: client, ns: namespace}
}

// NewRedisGenStoreWithTTL is NewRedisGenStore with expiring generations;
// ttl <= 0 disables expiry.
func NewRedisGenStoreWithTTL(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisGenStore {
	s := NewRedisGenStore(client, namespace)
	s.ttl = ttl
	return s
}

func (s *RedisGenStore) key(k string) string { return s.ns + ":gen:" + k }

func (s *RedisGenStore) Snapshot(ctx context.Context, storageKey string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(storageKey)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(storageKey, res)
}

func (s *RedisGenStore) SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(storageKeys))
	if len(storageKeys) == 0 {
		return out, nil
	}
	keys := make([]string, len(storageKeys))
	for i, k := range storageKeys {
		keys[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		var g uint64
		switch v := v.(type) {
		case nil:
		case string:
			if g, err = parseGen(storageKeys[i], v); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("genstore: unexpected %T at %s", v, storageKeys[i])
		}
		out[storageKeys[i]] = g
	}
	return out, nil
}

func (s *RedisGenStore) Bump(ctx context.Context, storageKey string) (uint64, error) {
	g, err := bumpScript.Run(ctx, s.rdb, []string{s.key(storageKey)}, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return uint64(g), nil
}

// Cleanup does nothing; expiry is Redis' job.
func (s *RedisGenStore) Cleanup(time.Duration) {}

// Close leaves the client open; it is shared with the provider and the
// lock table of the region.
func (s *RedisGenStore) Close(context.Context) error { return nil }

func parseGen(storageKey, v string) (uint64, error) {
	g, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: generation of %s: %w", storageKey, err)
	}
	return g, nil
}
