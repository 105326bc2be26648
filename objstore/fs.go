// Filesystem backend.
//
// Information Hiding:
// - Directory-per-namespace layout hidden
// - Atomic replace via temp file + rename hidden

package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSBackend implements Backend on a local directory tree rooted at Root.
type FSBackend struct {
	root string
}

// NewFSBackend creates a filesystem backend, creating root if needed.
func NewFSBackend(root string) (*FSBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) file(namespace, path string) string {
	return filepath.Join(b.root, namespace, filepath.FromSlash(path))
}

// Get reads the file for path.
func (b *FSBackend) Get(ctx context.Context, namespace, path string) ([]byte, error) {
	data, err := os.ReadFile(b.file(namespace, path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put writes data to a temp file in the target directory and renames it into place.
func (b *FSBackend) Put(ctx context.Context, namespace, path string, data []byte) error {
	target := b.file(namespace, path)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// List walks the namespace directory and returns slash-separated relative paths.
func (b *FSBackend) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	base := filepath.Join(b.root, namespace)
	var paths []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	return paths, nil
}

// Verify FSBackend implements Backend
var _ Backend = (*FSBackend)(nil)
