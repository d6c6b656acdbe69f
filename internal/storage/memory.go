package storage

import (
	"sort"
	"sync"
)

// MemoryBackend keeps slots in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	slots map[string]map[int]*Slot
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{slots: make(map[string]map[int]*Slot)}
}

// Get returns a copy of the slot, or nil if absent.
func (m *MemoryBackend) Get(storageIndex []byte, shnum int) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[string(storageIndex)][shnum].clone(), nil
}

// List returns the share numbers held for a storage index in ascending order.
func (m *MemoryBackend) List(storageIndex []byte) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shares := m.slots[string(storageIndex)]
	out := make([]int, 0, len(shares))
	for shnum := range shares {
		out = append(out, shnum)
	}
	sort.Ints(out)
	return out, nil
}

// Commit applies all changes under one lock.
func (m *MemoryBackend) Commit(storageIndex []byte, changes map[int]*Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(storageIndex)
	shares := m.slots[key]
	if shares == nil {
		shares = make(map[int]*Slot)
		m.slots[key] = shares
	}
	for shnum, slot := range changes {
		if slot == nil {
			delete(shares, shnum)
			continue
		}
		shares[shnum] = slot.clone()
	}
	if len(shares) == 0 {
		delete(m.slots, key)
	}
	return nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }
