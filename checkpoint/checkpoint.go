// Package checkpoint persists agent state per (namespace, thread) and serializes
// runs of one thread with an expiring lock.
//
// Information Hiding:
// - Backend (memory, SQLite, Redis) hidden behind Checkpointer
// - Lock tokens and expiry hidden behind Lock
// - Digest comparison that skips no-op saves hidden behind Save

package checkpoint

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

var (
	// ErrLocked is returned when another holder owns an unexpired lock.
	ErrLocked = errors.New("thread is locked")
	// ErrLockLost is returned when extending or releasing a lock that expired
	// or was taken over.
	ErrLockLost = errors.New("lock no longer held")
)

// DefaultLockTTL is the lock lifetime when none is given.
const DefaultLockTTL = 5 * time.Minute

// Checkpoint is the latest saved state of a thread.
type Checkpoint struct {
	Namespace string
	ThreadID  string
	State     []byte
	Digest    string
	UpdatedAt time.Time
}

// Lock is a held thread lock.
type Lock struct {
	ThreadID  string
	Token     string
	ExpiresAt time.Time
}

// Checkpointer stores one state blob per (namespace, threadID).
type Checkpointer interface {
	// Load returns the latest checkpoint; found is false when none exists.
	Load(ctx context.Context, namespace, threadID string) (cp Checkpoint, found bool, err error)

	// Save replaces the state. It reports false without writing when the
	// digest matches the stored state.
	Save(ctx context.Context, namespace, threadID string, state []byte) (written bool, err error)

	// AcquireLock takes the thread lock for ttl or returns ErrLocked.
	AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (Lock, error)

	// ExtendLock pushes the expiry of a still-held lock to now+ttl.
	// It returns ErrLockLost once the lock expired or changed hands.
	ExtendLock(ctx context.Context, lock Lock, ttl time.Duration) (Lock, error)

	// ReleaseLock frees a lock held by the caller.
	ReleaseLock(ctx context.Context, lock Lock) error
}

// Digest returns the xxhash digest of state.
func Digest(state []byte) string {
	return strconv.FormatUint(xxhash.Sum64(state), 16)
}

func newLock(threadID string, ttl time.Duration, now time.Time) Lock {
	return Lock{ThreadID: threadID, Token: uuid.NewString(), ExpiresAt: now.Add(lockTTL(ttl))}
}

func lockTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultLockTTL
	}
	return ttl
}
