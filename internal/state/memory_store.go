package state

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 是基于内存的状态后端，适用于开发与测试环境。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存后端。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get 返回键对应值的副本。
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Commit 在同一把锁内应用整批变更。
func (s *MemoryStore) Commit(_ context.Context, batch []Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		if m.Delete {
			delete(s.data, m.Key)
			continue
		}
		s.data[m.Key] = append([]byte(nil), m.Value...)
	}
	return nil
}

// Keys 返回当前全部键，按字典序排列。
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close 无需释放资源。
func (s *MemoryStore) Close() error { return nil }
