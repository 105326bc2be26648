package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLite is a Checkpointer on a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a checkpoint database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	s, err := NewSQLite(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps db and creates the schema. The pool is limited to one
// connection so lock transactions are serialized.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.createSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) createSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			namespace TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			state BLOB NOT NULL,
			digest TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, thread_id)
		);

		CREATE TABLE IF NOT EXISTS checkpoint_locks (
			thread_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`)
	return err
}

// Load returns the stored checkpoint.
func (s *SQLite) Load(ctx context.Context, namespace, threadID string) (Checkpoint, bool, error) {
	cp := Checkpoint{Namespace: namespace, ThreadID: threadID}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, digest, updated_at FROM checkpoints WHERE namespace = ? AND thread_id = ?`,
		namespace, threadID).Scan(&cp.State, &cp.Digest, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.UpdatedAt = time.Unix(0, updated).UTC()
	return cp, true, nil
}

// Save upserts state unless the digest is unchanged.
func (s *SQLite) Save(ctx context.Context, namespace, threadID string, state []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (namespace, thread_id, state, digest, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, thread_id) DO UPDATE
		SET state = excluded.state, digest = excluded.digest, updated_at = excluded.updated_at
		WHERE checkpoints.digest <> excluded.digest`,
		namespace, threadID, state, Digest(state), time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return n > 0, nil
}

// AcquireLock inserts a lock row after clearing an expired one.
func (s *SQLite) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (Lock, error) {
	now := time.Now()
	lock := newLock(threadID, ttl, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lock{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_locks WHERE thread_id = ? AND expires_at <= ?`,
		threadID, now.UnixNano()); err != nil {
		return Lock{}, fmt.Errorf("failed to clear expired lock: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoint_locks (thread_id, token, expires_at) VALUES (?, ?, ?)`,
		threadID, lock.Token, lock.ExpiresAt.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return Lock{}, ErrLocked
		}
		return Lock{}, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Lock{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return lock, nil
}

// ExtendLock moves the expiry of an unexpired lock row owned by lock.Token.
func (s *SQLite) ExtendLock(ctx context.Context, lock Lock, ttl time.Duration) (Lock, error) {
	now := time.Now()
	next := lock
	next.ExpiresAt = now.Add(lockTTL(ttl))
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint_locks SET expires_at = ? WHERE thread_id = ? AND token = ? AND expires_at > ?`,
		next.ExpiresAt.UnixNano(), lock.ThreadID, lock.Token, now.UnixNano())
	if err != nil {
		return Lock{}, fmt.Errorf("failed to extend lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Lock{}, ErrLockLost
	}
	return next, nil
}

// ReleaseLock deletes the lock row if the token matches.
func (s *SQLite) ReleaseLock(ctx context.Context, lock Lock) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoint_locks WHERE thread_id = ? AND token = ?`,
		lock.ThreadID, lock.Token)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockLost
	}
	return nil
}

// Verify SQLite implements Checkpointer
var _ Checkpointer = (*SQLite)(nil)
