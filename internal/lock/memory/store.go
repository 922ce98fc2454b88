// Package memory provides an in-memory lock store for tests and local runs.
package memory

import (
	"context"
	"sync"
)

// Store is a mutex-guarded map implementing lock.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

// New returns a memory Store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// Get returns the stored value and whether the key exists.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok, nil
}

// Set writes the value for the key.
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Del removes the key.
func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
