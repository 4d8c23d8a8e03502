package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ObjectStore is the narrow blob interface the archival service writes
// through. Production deployments put a bucket behind it.
type ObjectStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
}

// ErrObjectNotFound is returned when no blob exists at the path.
var ErrObjectNotFound = errors.New("archive: object not found")

// DirStore stores blobs under a local directory.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("archive: storage root required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("archive: create storage root: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) Get(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.root, filepath.Clean(path)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("archive: read %s: %w", path, err)
	}
	return data, nil
}

func (d *DirStore) Put(_ context.Context, path string, data []byte) error {
	full := filepath.Join(d.root, filepath.Clean(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("archive: create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return fmt.Errorf("archive: write %s: %w", path, err)
	}
	return nil
}

func (d *DirStore) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.root, filepath.Clean(path)))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat %s: %w", path, err)
}

// MemStore is an in-memory ObjectStore for tests.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (m *MemStore) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[path]
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemStore) Put(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blobs[path] = stored
	return nil
}

func (m *MemStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[path]
	return ok, nil
}
