package storage

import (
	"context"
	"sync"
)

type memoryKV struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory constructs the in-process store used for single-process runs and
// tests.
func NewMemory() KV {
	return &memoryKV{items: make(map[string]string)}
}

func (s *memoryKV) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	return value, ok, nil
}

func (s *memoryKV) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *memoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *memoryKV) Close() error {
	return nil
}
