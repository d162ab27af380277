package syncgroup

import (
	"sort"
	"strings"
	"sync"
)

// Store is the shared persistence substrate for a sync group. Every
// participant must see the same logical store (a shared file, a common
// cache, or an in-process MemoryStore shared between coordinators).
//
// Individual key writes are atomic; multi-key sequences are not. Set
// reports false on quota or write failure instead of panicking, and
// callers treat a failed write as a missed best-effort update.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) bool
	Delete(key string)
	ListKeys(prefix string) []string
}

// MemoryStore is an in-memory Store safe for concurrent use. A single
// MemoryStore can back several coordinators in one process, which is
// how tests model a group of participants.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	used   int
	limit  int
}

// NewMemoryStore creates an empty in-memory store with no size limit.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// NewMemoryStoreWithLimit creates an in-memory store that rejects
// writes once total stored bytes would exceed limit. Used to exercise
// quota-failure paths.
func NewMemoryStoreWithLimit(limit int) *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte), limit: limit}
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	value, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

func (s *MemoryStore) Set(key string, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.values[key]
	delta := len(key) + len(value)
	if exists {
		delta = len(value) - len(old)
	}
	if s.limit > 0 && s.used+delta > s.limit {
		return false
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	s.used += delta
	return true
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	if old, ok := s.values[key]; ok {
		s.used -= len(key) + len(old)
		delete(s.values, key)
	}
	s.mu.Unlock()
}

// ListKeys returns all keys with the given prefix in lexicographic
// order. Ordering keeps scans deterministic across participants.
func (s *MemoryStore) ListKeys(prefix string) []string {
	s.mu.RLock()
	out := make([]string, 0)
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
