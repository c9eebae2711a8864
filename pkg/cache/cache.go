package cache

import (
	"sync"
)

// Cacher is able to get and set key value pairs.
type Cacher interface {
	Get(string) ([]byte, bool, error)
	Set(string, []byte) error
}

// memory is a process-local Cacher. It carries no expiration; callers that
// cache expiring values are expected to validate them on read.
type memory struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemory creates an in-process Cacher.
func NewMemory() Cacher {
	return &memory{values: make(map[string][]byte)}
}

func (m *memory) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}
