package checkpoint

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Checkpointer.
type Memory struct {
	mu     sync.Mutex
	states map[string]Checkpoint
	locks  map[string]Lock
	now    func() time.Time
}

// NewMemory creates an empty in-process checkpointer.
func NewMemory() *Memory {
	return &Memory{
		states: make(map[string]Checkpoint),
		locks:  make(map[string]Lock),
		now:    time.Now,
	}
}

func memKey(namespace, threadID string) string {
	return namespace + "\x00" + threadID
}

// Load returns the stored checkpoint.
func (m *Memory) Load(ctx context.Context, namespace, threadID string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.states[memKey(namespace, threadID)]
	if ok {
		cp.State = append([]byte(nil), cp.State...)
	}
	return cp, ok, nil
}

// Save stores a copy of state.
func (m *Memory) Save(ctx context.Context, namespace, threadID string, state []byte) (bool, error) {
	digest := Digest(state)
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(namespace, threadID)
	if prev, ok := m.states[key]; ok && prev.Digest == digest {
		return false, nil
	}
	m.states[key] = Checkpoint{
		Namespace: namespace,
		ThreadID:  threadID,
		State:     append([]byte(nil), state...),
		Digest:    digest,
		UpdatedAt: m.now().UTC(),
	}
	return true, nil
}

// AcquireLock takes the lock if it is free or expired.
func (m *Memory) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if held, ok := m.locks[threadID]; ok && now.Before(held.ExpiresAt) {
		return Lock{}, ErrLocked
	}
	lock := newLock(threadID, ttl, now)
	m.locks[threadID] = lock
	return lock, nil
}

// ExtendLock renews lock while its token owns the thread and has not expired.
func (m *Memory) ExtendLock(ctx context.Context, lock Lock, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	held, ok := m.locks[lock.ThreadID]
	if !ok || held.Token != lock.Token || !now.Before(held.ExpiresAt) {
		return Lock{}, ErrLockLost
	}
	held.ExpiresAt = now.Add(lockTTL(ttl))
	m.locks[lock.ThreadID] = held
	return held, nil
}

// ReleaseLock frees lock if its token still owns the thread.
func (m *Memory) ReleaseLock(ctx context.Context, lock Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[lock.ThreadID]
	if !ok || held.Token != lock.Token {
		return ErrLockLost
	}
	delete(m.locks, lock.ThreadID)
	return nil
}

// Verify Memory implements Checkpointer
var _ Checkpointer = (*Memory)(nil)
