package ratelimit

import (
	"context"
	"time"
)

// Entry is the per (class, identifier) counter state.
type Entry struct {
	Count        int
	ResetAt      time.Time
	BlockedUntil time.Time
}

// Blocked reports whether the entry is under a hard block at now.
func (e Entry) Blocked(now time.Time) bool {
	return !e.BlockedUntil.IsZero() && now.Before(e.BlockedUntil)
}

// Stale reports whether both the window and any block have elapsed.
func (e Entry) Stale(now time.Time) bool {
	return !now.Before(e.ResetAt) && !e.Blocked(now)
}

// UpdateFunc receives the current entry (exists is false when the key is
// absent) and returns the entry to store. Returning keep=false deletes the key.
// Stores with optimistic concurrency may call it more than once, so it must
// not have side effects beyond the values it returns.
type UpdateFunc func(cur Entry, exists bool) (next Entry, keep bool)

// Store holds limiter state. Implementations must apply Update atomically
// per key; different keys must not contend with each other.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Update(ctx context.Context, key string, fn UpdateFunc) (Entry, error)
	Delete(ctx context.Context, key string) error
	// Sweep removes entries that are stale at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
