package ratelimit

import (
	"context"
	"sync"
	"time"
)

type slot struct {
	mu      sync.Mutex
	entry   Entry
	present bool
	dead    bool
}

// MemoryStore keeps entries in process memory with one mutex per key.
// State is lost on restart and is not shared between instances.
type MemoryStore struct {
	slots sync.Map // string -> *slot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// acquire returns the live slot for key, locked.
func (m *MemoryStore) acquire(key string) *slot {
	for {
		v, ok := m.slots.Load(key)
		if !ok {
			v, _ = m.slots.LoadOrStore(key, &slot{})
		}
		s := v.(*slot)
		s.mu.Lock()
		if !s.dead {
			return s
		}
		// Removed by Delete or Sweep between Load and Lock.
		s.mu.Unlock()
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	v, ok := m.slots.Load(key)
	if !ok {
		return Entry{}, false, nil
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.present {
		return Entry{}, false, nil
	}
	return s.entry, true, nil
}

func (m *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) (Entry, error) {
	s := m.acquire(key)
	defer s.mu.Unlock()

	next, keep := fn(s.entry, s.present)
	if !keep {
		m.kill(key, s)
		return next, nil
	}
	s.entry = next
	s.present = true
	return next, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	v, ok := m.slots.Load(key)
	if !ok {
		return nil
	}
	s := v.(*slot)
	s.mu.Lock()
	m.kill(key, s)
	s.mu.Unlock()
	return nil
}

// Sweep skips slots that are locked by an in-flight Update.
func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	m.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		if !s.mu.TryLock() {
			return true
		}
		if !s.dead && s.present && s.entry.Stale(now) {
			m.kill(k.(string), s)
			removed++
		}
		s.mu.Unlock()
		return true
	})
	return removed, nil
}

// Len returns the number of live keys.
func (m *MemoryStore) Len() int {
	n := 0
	m.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// kill must be called with s.mu held.
func (m *MemoryStore) kill(key string, s *slot) {
	s.dead = true
	m.slots.CompareAndDelete(key, s)
}
