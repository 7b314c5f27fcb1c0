package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore stores opaque blobs by object key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// MemoryBlobs is an in-memory BlobStore.
type MemoryBlobs struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBlobs returns an empty in-memory blob store.
func NewMemoryBlobs() *MemoryBlobs { return &MemoryBlobs{data: make(map[string][]byte)} }

func (m *MemoryBlobs) Put(ctx context.Context, key string, data []byte) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.data[key] = append([]byte(nil), data...)
		return nil
	})
}

func (m *MemoryBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		b, ok := m.data[key]
		if !ok {
			return nil, fmt.Errorf("%w: key=%s", ErrBlobNotFound, key)
		}
		return append([]byte(nil), b...), nil
	})
}

func (m *MemoryBlobs) Remove(ctx context.Context, key string) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.data, key)
		return nil
	})
}

// LocalBlobs stores blobs as files under a root directory.
type LocalBlobs struct {
	root string
}

// NewLocalBlobs returns a blob store rooted at dir, creating it if needed.
func NewLocalBlobs(dir string) (*LocalBlobs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &LocalBlobs{root: dir}, nil
}

func (l *LocalBlobs) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalBlobs) Put(ctx context.Context, key string, data []byte) error {
	return withContextError(ctx, func() error {
		p, err := l.path(key)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		tmp := p + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, p)
	})
}

func (l *LocalBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		p, err := l.path(key)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: key=%s", ErrBlobNotFound, key)
		}
		return b, err
	})
}

func (l *LocalBlobs) Remove(ctx context.Context, key string) error {
	return withContextError(ctx, func() error {
		p, err := l.path(key)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
}

var (
	_ BlobStore = (*MemoryBlobs)(nil)
	_ BlobStore = (*LocalBlobs)(nil)
	_ Storage   = (*MemoryStorage)(nil)
	_ Storage   = (*SQLiteStorage)(nil)
)
