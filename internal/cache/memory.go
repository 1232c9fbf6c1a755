package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

// Memory is the in-process cache backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
	done chan struct{}
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemory creates a memory cache and starts its expiry sweep.
func NewMemory() *Memory {
	m := &Memory{
		data: make(map[string]memoryEntry),
		done: make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.data[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Clear(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.data {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.data, key)
		}
	}
	return nil
}

// Close stops the expiry sweep.
func (m *Memory) Close() {
	close(m.done)
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.data {
				if now.After(entry.expires) {
					delete(m.data, key)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}
