// Package objstore provides the session-namespaced JSON object store.
//
// Information Hiding:
// - Backend protocol (memory, filesystem, Redis) hidden behind Backend
// - Transparent gzip of large values hidden
// - Transient failure retry and error classification hidden
package objstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	// ErrStoreUnavailable marks a transient backend failure.
	ErrStoreUnavailable = errors.New("object store unavailable")
	// ErrStoreCorrupt marks a stored value that is not valid JSON. It is never auto-repaired.
	ErrStoreCorrupt = errors.New("object store value corrupt")
	// ErrNotFound is returned by backends when a path holds no value.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidPath is returned for namespaces or paths that would escape a session.
	ErrInvalidPath = errors.New("invalid store path")
)

// DefaultGzipThreshold is the encoded size above which values are gzipped.
const DefaultGzipThreshold = 32 * 1024

// Backend is the raw blob store the adapter runs on.
// Get returns ErrNotFound for absent paths; List returns paths relative to the namespace.
type Backend interface {
	Get(ctx context.Context, namespace, path string) ([]byte, error)
	Put(ctx context.Context, namespace, path string, data []byte) error
	List(ctx context.Context, namespace, prefix string) ([]string, error)
}

// Store is a thin JSON facade over a Backend.
type Store struct {
	backend       Backend
	logger        *zap.Logger
	gzipThreshold int
	newBackOff    func() backoff.BackOff
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithGzipThreshold sets the encoded size above which values are compressed.
// Zero or negative disables compression.
func WithGzipThreshold(n int) Option {
	return func(s *Store) { s.gzipThreshold = n }
}

// WithBackOff overrides the retry policy for transient failures.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *Store) { s.newBackOff = factory }
}

// New creates a Store over backend. Transient failures are retried up to three attempts.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		logger:        zap.NewNop(),
		gzipThreshold: DefaultGzipThreshold,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, 2)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadJSON decodes the value at path into v.
// Returns false with a nil error when nothing is stored there.
func (s *Store) ReadJSON(ctx context.Context, session, path string, v any) (bool, error) {
	if err := validate(session, path); err != nil {
		return false, err
	}

	var data []byte
	err := s.retry(ctx, "get", session, path, func() error {
		var err error
		data, err = s.backend.Get(ctx, session, path)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	data, err = decompress(data)
	if err != nil {
		return false, fmt.Errorf("%w: %s/%s: %v", ErrStoreCorrupt, session, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s/%s: %v", ErrStoreCorrupt, session, path, err)
	}
	return true, nil
}

// WriteJSON atomically replaces the value at path. Last writer wins.
func (s *Store) WriteJSON(ctx context.Context, session, path string, v any) error {
	if err := validate(session, path); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if s.gzipThreshold > 0 && len(data) > s.gzipThreshold {
		data, err = compress(data)
		if err != nil {
			return fmt.Errorf("failed to compress %s: %w", path, err)
		}
	}

	return s.retry(ctx, "put", session, path, func() error {
		return s.backend.Put(ctx, session, path, data)
	})
}

// ListPaths returns the sorted paths under prefix in a session namespace.
func (s *Store) ListPaths(ctx context.Context, session, prefix string) ([]string, error) {
	if err := validate(session, prefix); err != nil && prefix != "" {
		return nil, err
	}
	if err := validateNamespace(session); err != nil {
		return nil, err
	}

	var paths []string
	err := s.retry(ctx, "list", session, prefix, func() error {
		var err error
		paths, err = s.backend.List(ctx, session, prefix)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// retry runs op with the configured backoff. ErrNotFound and context errors are permanent.
func (s *Store) retry(ctx context.Context, op, session, path string, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		s.logger.Debug("object store operation failed",
			zap.String("op", op),
			zap.String("session_id", session),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(s.newBackOff(), ctx))

	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s %s/%s: %v", ErrStoreUnavailable, op, session, path, err)
}

var gzipMagic = []byte{0x1f, 0x8b}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress inflates gzip payloads and passes plain JSON through unchanged.
func decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// ValidateNamespace reports whether session can name a namespace. It rejects
// ':', the Redis key separator, so one namespace is never a key prefix of another.
func ValidateNamespace(session string) error {
	return validateNamespace(session)
}

func validateNamespace(session string) error {
	if session == "" || strings.ContainsAny(session, `/\:`) || session == "." || session == ".." {
		return fmt.Errorf("%w: namespace %q", ErrInvalidPath, session)
	}
	return nil
}

func validate(session, path string) error {
	if err := validateNamespace(session); err != nil {
		return err
	}
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}
