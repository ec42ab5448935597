package candidate

import (
	"context"
	"sort"
	"sync"
)

// Store persists candidate value sets by key. Merge unions values into the
// existing set; an empty Merge still marks the key as computed.
type Store interface {
	Load(ctx context.Context, key string) (values []string, ok bool, err error)
	Merge(ctx context.Context, key string, values []string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]map[string]struct{})}
}

// Load returns the sorted values of key.
func (s *MemoryStore) Load(_ context.Context, key string) ([]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, true, nil
}

// Merge unions values into key.
func (s *MemoryStore) Merge(_ context.Context, key string, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(values))
		s.sets[key] = set
	}
	for _, v := range values {
		set[v] = struct{}{}
	}
	return nil
}

// Len returns the number of keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets)
}
