package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/pavelanni/qbank/internal/model"
)

// MemoryStore is an in-process Store.
type MemoryStore[S any] struct {
	mu    sync.RWMutex
	items map[string]*Snapshot[S]
}

func NewMemoryStore[S any]() *MemoryStore[S] {
	return &MemoryStore[S]{items: make(map[string]*Snapshot[S])}
}

func (m *MemoryStore[S]) Create(s Snapshot[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	c := s.clone()
	m.items[s.ID] = &c
	return nil
}

func (m *MemoryStore[S]) Get(id string) (Snapshot[S], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[id]
	if !ok {
		return Snapshot[S]{}, false
	}
	return s.clone(), true
}

func (m *MemoryStore[S]) Update(id string, fn func(*Snapshot[S])) (Snapshot[S], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return Snapshot[S]{}, model.ErrSessionNotFound
	}
	fn(s)
	return s.clone(), nil
}

func (m *MemoryStore[S]) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
}

func (m *MemoryStore[S]) Sweep(cutoff time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, s := range m.items {
		if s.Sweepable() && s.LastUpdated.Before(cutoff) {
			delete(m.items, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of stored sessions.
func (m *MemoryStore[S]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
