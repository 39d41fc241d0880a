package region

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// release deletes the key only while it still holds the caller's token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocks shares soft locks between processes with SET NX PX.
type RedisLocks struct {
	rdb redis.UniversalClient
	ns  string
}

var _ LockTable = (*RedisLocks)(nil)

func NewRedisLocks(client redis.UniversalClient, namespace string) *RedisLocks {
	if namespace == "" {
		namespace = "casorm"
	}
	return &RedisLocks{rdb: client, ns: namespace}
}

func (l *RedisLocks) key(k string) string { return l.ns + ":lock:" + k }

func (l *RedisLocks) TryLock(ctx context.Context, k string, lifetime time.Duration) (*Lock, error) {
	now := time.Now()
	lk := &Lock{Token: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(lifetime)}
	ok, err := l.rdb.SetNX(ctx, l.key(k), lk.Token, lifetime).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return lk, nil
}

func (l *RedisLocks) Release(ctx context.Context, k string, lk *Lock) (bool, error) {
	if lk == nil {
		return false, ErrNilLock
	}
	n, err := release.Run(ctx, l.rdb, []string{l.key(k)}, lk.Token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocks) Held(ctx context.Context, k string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.key(k)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
