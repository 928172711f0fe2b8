package cache

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string][]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string][]Entry)}
}

func (s *MemoryStore) Entries(_ context.Context, namespace string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.namespaces[namespace]), nil
}

func (s *MemoryStore) Append(_ context.Context, namespace string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.namespaces[namespace] = append(s.namespaces[namespace], e)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, namespace string, hashedSubjects ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.namespaces[namespace] = removeEntries(s.namespaces[namespace], hashedSubjects)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// snapshot copies every namespace, for stores that persist the whole map.
func (s *MemoryStore) snapshot() map[string][]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]Entry, len(s.namespaces))
	for ns, entries := range s.namespaces {
		out[ns] = slices.Clone(entries)
	}
	return out
}

func removeEntries(entries []Entry, hashedSubjects []string) []Entry {
	if len(hashedSubjects) == 0 {
		return entries
	}
	drop := make(map[string]struct{}, len(hashedSubjects))
	for _, h := range hashedSubjects {
		drop[h] = struct{}{}
	}
	return slices.DeleteFunc(entries, func(e Entry) bool {
		_, ok := drop[e.HashedSubject]
		return ok
	})
}
