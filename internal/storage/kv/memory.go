package kv

import (
	"sync"
)

// MemoryBackend is an in-process Backend with a byte capacity.
// A capacity of zero means unlimited.
type MemoryBackend struct {
	mu       sync.RWMutex
	data     map[string]string
	used     int64
	capacity int64

	failNext error // injected failure for the next Set
}

// NewMemoryBackend creates an empty backend with the given capacity.
func NewMemoryBackend(capacity int64) *MemoryBackend {
	return &MemoryBackend{
		data:     make(map[string]string),
		capacity: capacity,
	}
}

// Get implements Backend.
func (m *MemoryBackend) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Backend.
func (m *MemoryBackend) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}

	next := m.used + EntrySize(key, value)
	if old, ok := m.data[key]; ok {
		next -= EntrySize(key, old)
	}
	if m.capacity > 0 && next > m.capacity {
		return &QuotaError{Key: key, Requested: EntrySize(key, value), Used: m.used, Capacity: m.capacity}
	}

	m.data[key] = value
	m.used = next
	return nil
}

// Remove implements Backend.
func (m *MemoryBackend) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.used -= EntrySize(key, old)
		delete(m.data, key)
	}
	return nil
}

// Keys implements Backend.
func (m *MemoryBackend) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Usage implements UsageReporter.
func (m *MemoryBackend) Usage() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used, nil
}

// EstimateCapacity implements CapacityEstimator. Unlimited backends report
// zero, which callers treat as "unknown".
func (m *MemoryBackend) EstimateCapacity() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capacity, nil
}

// SetCapacity changes the capacity; existing data is kept even if it no
// longer fits.
func (m *MemoryBackend) SetCapacity(capacity int64) {
	m.mu.Lock()
	m.capacity = capacity
	m.mu.Unlock()
}

// FailNextSet makes the next Set return err (used by tests to simulate
// backend failures).
func (m *MemoryBackend) FailNextSet(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}
