package otp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type groupKey struct {
	subjectID int64
	purpose   Purpose
}

// group indexes the records of one (subject, purpose) in creation order.
type group struct {
	mu   sync.Mutex
	ids  []string
	dead bool
}

type memRecord struct {
	mu   sync.Mutex
	rec  Record
	dead bool
}

// MemoryStore keeps records in process memory. Locks are per record and per
// (subject, purpose); lock order is always group before record.
type MemoryStore struct {
	records sync.Map // id -> *memRecord
	groups  sync.Map // groupKey -> *group
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) lockGroup(k groupKey) *group {
	for {
		v, ok := m.groups.Load(k)
		if !ok {
			v, _ = m.groups.LoadOrStore(k, &group{})
		}
		g := v.(*group)
		g.mu.Lock()
		if !g.dead {
			return g
		}
		g.mu.Unlock()
	}
}

func (m *MemoryStore) Create(_ context.Context, rec Record, cooldown time.Duration) (int, error) {
	if rec.ID == "" {
		return 0, fmt.Errorf("otp: record id is required")
	}
	g := m.lockGroup(groupKey{rec.SubjectID, rec.Purpose})
	defer g.mu.Unlock()

	if cooldown > 0 {
		if newest, ok := m.newestLocked(g); ok {
			if wait := cooldown - rec.CreatedAt.Sub(newest.CreatedAt); wait > 0 {
				return 0, &CooldownError{RetryAfter: wait}
			}
		}
	}

	invalidated := 0
	for _, id := range g.ids {
		v, ok := m.records.Load(id)
		if !ok {
			continue
		}
		mr := v.(*memRecord)
		mr.mu.Lock()
		if !mr.dead && !mr.rec.Used {
			mr.rec.Used = true
			invalidated++
		}
		mr.mu.Unlock()
	}

	if _, loaded := m.records.LoadOrStore(rec.ID, &memRecord{rec: rec}); loaded {
		return 0, fmt.Errorf("otp: duplicate record id %s", rec.ID)
	}
	g.ids = append(g.ids, rec.ID)
	return invalidated, nil
}

func (m *MemoryStore) Latest(_ context.Context, subjectID int64, purpose Purpose) (Record, error) {
	v, ok := m.groups.Load(groupKey{subjectID, purpose})
	if !ok {
		return Record{}, ErrNotFound
	}
	g := v.(*group)
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := m.newestLocked(g); ok {
		return rec, nil
	}
	return Record{}, ErrNotFound
}

// newestLocked must be called with g.mu held.
func (m *MemoryStore) newestLocked(g *group) (Record, bool) {
	for i := len(g.ids) - 1; i >= 0; i-- {
		rv, ok := m.records.Load(g.ids[i])
		if !ok {
			continue
		}
		mr := rv.(*memRecord)
		mr.mu.Lock()
		rec, dead := mr.rec, mr.dead
		mr.mu.Unlock()
		if !dead {
			return rec, true
		}
	}
	return Record{}, false
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Record) error) (Record, error) {
	v, ok := m.records.Load(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	mr := v.(*memRecord)
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.dead {
		return Record{}, ErrNotFound
	}

	next := mr.rec
	if err := fn(&next); err != nil {
		return mr.rec, err
	}
	// Identity fields are not writable.
	next.ID, next.SubjectID, next.Purpose = mr.rec.ID, mr.rec.SubjectID, mr.rec.Purpose
	mr.rec = next
	return next, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	v, ok := m.records.Load(id)
	if !ok {
		return nil
	}
	mr := v.(*memRecord)
	mr.mu.Lock()
	k := groupKey{mr.rec.SubjectID, mr.rec.Purpose}
	mr.mu.Unlock()

	g := m.lockGroup(k)
	defer g.mu.Unlock()
	m.removeLocked(g, id)
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	m.groups.Range(func(k, v any) bool {
		g := v.(*group)
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.dead {
			return true
		}

		for _, id := range append([]string(nil), g.ids...) {
			rv, ok := m.records.Load(id)
			if !ok {
				continue
			}
			mr := rv.(*memRecord)
			mr.mu.Lock()
			expired := !now.Before(mr.rec.ExpiresAt)
			mr.mu.Unlock()
			if expired {
				m.removeLocked(g, id)
				removed++
			}
		}

		if len(g.ids) == 0 {
			g.dead = true
			m.groups.CompareAndDelete(k, g)
		}
		return true
	})
	return removed, nil
}

// removeLocked must be called with g.mu held.
func (m *MemoryStore) removeLocked(g *group, id string) {
	if v, ok := m.records.Load(id); ok {
		mr := v.(*memRecord)
		mr.mu.Lock()
		mr.dead = true
		mr.mu.Unlock()
		m.records.Delete(id)
	}
	for i, gid := range g.ids {
		if gid == id {
			g.ids = append(g.ids[:i], g.ids[i+1:]...)
			break
		}
	}
}
