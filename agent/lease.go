package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Synthenova/conthunt-sub001/checkpoint"
	"github.com/Synthenova/conthunt-sub001/telemetry"
)

// lease keeps the session lock alive for the length of a run.
// Tools renew it before committing, and a heartbeat renews it in between.
type lease struct {
	session string
	cp      checkpoint.Checkpointer
	ttl     time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	lock checkpoint.Lock
	lost bool
}

// Renew extends the lock. It fails with checkpoint.ErrLockLost for good once
// another run owns the session.
func (l *lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost {
		return checkpoint.ErrLockLost
	}
	next, err := l.cp.ExtendLock(ctx, l.lock, l.ttl)
	if err != nil {
		if errors.Is(err, checkpoint.ErrLockLost) {
			l.lost = true
		}
		return err
	}
	l.lock = next
	return nil
}

func (l *lease) current() checkpoint.Lock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock
}

// heartbeat renews the lease every third of its TTL until ctx ends, and
// calls lost when the lock is gone.
func (l *lease) heartbeat(ctx context.Context, lost func(error)) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Renew(ctx)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, checkpoint.ErrLockLost):
				lost(err)
				return
			default:
				// Commits renew again, so a transient miss is only logged.
				l.logger.Warn("session lock renewal failed",
					zap.String("session_id", l.session), telemetry.Err(err))
			}
		}
	}
}
