package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileLayout is the on-disk document: namespace -> list of entries.
type fileLayout struct {
	Version    int                `json:"version"`
	Namespaces map[string][]Entry `json:"namespaces"`
}

// FileStore is a MemoryStore persisted as one JSON document. Writes are
// buffered; Flush (called by Close and by the sweeper) writes them out.
type FileStore struct {
	*MemoryStore

	path  string
	mu    sync.Mutex
	dirty bool
}

// OpenFileStore loads path if it exists, otherwise starts empty.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("cache: file store needs a path")
	}
	s := &FileStore{MemoryStore: NewMemoryStore(), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("cache: parse %s: %w", path, err)
	}
	if layout.Version != SchemaVersion {
		return nil, fmt.Errorf("cache: %s has schema version %d, want %d", path, layout.Version, SchemaVersion)
	}
	if layout.Namespaces != nil {
		s.namespaces = layout.Namespaces
	}
	return s, nil
}

func (s *FileStore) Append(ctx context.Context, namespace string, e Entry) error {
	if err := s.MemoryStore.Append(ctx, namespace, e); err != nil {
		return err
	}
	s.markDirty()
	return nil
}

func (s *FileStore) Remove(ctx context.Context, namespace string, hashedSubjects ...string) error {
	if err := s.MemoryStore.Remove(ctx, namespace, hashedSubjects...); err != nil {
		return err
	}
	s.markDirty()
	return nil
}

// Flush writes the store to disk atomically when it has unsaved changes.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	if err := s.write(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *FileStore) write() error {
	data, err := json.Marshal(fileLayout{Version: SchemaVersion, Namespaces: s.snapshot()})
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cache: create directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cache: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("cache: replace %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.Flush()
}

func (s *FileStore) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}
