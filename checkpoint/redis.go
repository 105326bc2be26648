package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "conthunt:ckpt"

// saveScript writes the state hash unless the digest already matches.
var saveScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "digest") == ARGV[2] then
	return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[1], "digest", ARGV[2], "updated_at", ARGV[3])
return 1
`)

// releaseScript deletes the lock only when the token matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only when the token matches.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Checkpointer on Redis. Locks use SET NX PX.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis checkpointer. An empty prefix uses "conthunt:ckpt".
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) stateKey(namespace, threadID string) string {
	return r.prefix + ":state:" + namespace + ":" + threadID
}

func (r *Redis) lockKey(threadID string) string {
	return r.prefix + ":lock:" + threadID
}

// Load returns the stored checkpoint.
func (r *Redis) Load(ctx context.Context, namespace, threadID string) (Checkpoint, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, r.stateKey(namespace, threadID)).Result()
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(fields) == 0 {
		return Checkpoint{}, false, nil
	}
	updated, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return Checkpoint{
		Namespace: namespace,
		ThreadID:  threadID,
		State:     []byte(fields["state"]),
		Digest:    fields["digest"],
		UpdatedAt: time.Unix(0, updated).UTC(),
	}, true, nil
}

// Save writes state unless the digest is unchanged.
func (r *Redis) Save(ctx context.Context, namespace, threadID string, state []byte) (bool, error) {
	n, err := saveScript.Run(ctx, r.rdb,
		[]string{r.stateKey(namespace, threadID)},
		state, Digest(state), time.Now().UnixNano()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return n == 1, nil
}

// AcquireLock sets the lock key with NX and a PX expiry.
func (r *Redis) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (Lock, error) {
	lock := newLock(threadID, ttl, time.Now())
	ok, err := r.rdb.SetNX(ctx, r.lockKey(threadID), lock.Token, time.Until(lock.ExpiresAt)).Result()
	if err != nil {
		return Lock{}, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return Lock{}, ErrLocked
	}
	return lock, nil
}

// ExtendLock renews the lock key's PX expiry if the token still matches.
func (r *Redis) ExtendLock(ctx context.Context, lock Lock, ttl time.Duration) (Lock, error) {
	ttl = lockTTL(ttl)
	n, err := extendScript.Run(ctx, r.rdb, []string{r.lockKey(lock.ThreadID)}, lock.Token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lock{}, fmt.Errorf("failed to extend lock: %w", err)
	}
	if n == 0 {
		return Lock{}, ErrLockLost
	}
	lock.ExpiresAt = time.Now().Add(ttl)
	return lock, nil
}

// ReleaseLock deletes the lock key if the token still matches.
func (r *Redis) ReleaseLock(ctx context.Context, lock Lock) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.lockKey(lock.ThreadID)}, lock.Token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Verify Redis implements Checkpointer
var _ Checkpointer = (*Redis)(nil)
