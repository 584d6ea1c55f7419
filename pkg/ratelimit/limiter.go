package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/metrics"
)

// Class is a named rate-limit policy. Block, when non-zero, is applied as a
// hard block once Max is exceeded inside a window.
type Class struct {
	Window time.Duration
	Max    int
	Block  time.Duration
}

// Status is a read-only view of one (class, identifier) entry.
type Status struct {
	Limit        int
	Remaining    int
	ResetAt      time.Time
	Blocked      bool
	BlockedUntil time.Time
}

type Limiter struct {
	store   Store
	classes map[string]Class
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store Store, classes map[string]Class, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		classes: make(map[string]Class, len(classes)),
		now:     time.Now,
	}
	for name, c := range classes {
		l.classes[name] = c
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Class returns the configuration for name.
func (l *Limiter) Class(name string) (Class, bool) {
	c, ok := l.classes[name]
	return c, ok
}

// Check counts one request for (class, id). It returns *Error when the
// request must be rejected; a blocked entry is not incremented.
func (l *Limiter) Check(ctx context.Context, class, id string) error {
	cfg, ok := l.classes[class]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	now := l.now()
	var rejected *Error

	_, err := l.store.Update(ctx, key(class, id), func(cur Entry, exists bool) (Entry, bool) {
		rejected = nil

		if exists && cur.Blocked(now) {
			rejected = newError(class, cfg, cur, cur.BlockedUntil.Sub(now), true)
			return cur, true
		}

		if !exists || !now.Before(cur.ResetAt) {
			cur = Entry{ResetAt: now.Add(cfg.Window)}
		}

		if cur.Count >= cfg.Max {
			if cfg.Block > 0 {
				cur.BlockedUntil = now.Add(cfg.Block)
				rejected = newError(class, cfg, cur, cfg.Block, true)
			} else {
				rejected = newError(class, cfg, cur, cur.ResetAt.Sub(now), false)
			}
			return cur, true
		}

		cur.Count++
		return cur, true
	})
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}

	if rejected != nil {
		reason := "window"
		if rejected.Blocked {
			reason = "blocked"
		}
		metrics.RateLimitRejections.WithLabelValues(class, reason).Inc()
		return rejected
	}
	return nil
}

// Status reports the entry without counting a request.
func (l *Limiter) Status(ctx context.Context, class, id string) (Status, error) {
	cfg, ok := l.classes[class]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	now := l.now()
	e, exists, err := l.store.Get(ctx, key(class, id))
	if err != nil {
		return Status{}, fmt.Errorf("rate limit store: %w", err)
	}

	st := Status{Limit: cfg.Max, Remaining: cfg.Max, ResetAt: now.Add(cfg.Window)}
	if !exists {
		return st, nil
	}
	if now.Before(e.ResetAt) {
		st.Remaining = max(cfg.Max-e.Count, 0)
		st.ResetAt = e.ResetAt
	}
	if e.Blocked(now) {
		st.Blocked = true
		st.BlockedUntil = e.BlockedUntil
		st.Remaining = 0
	}
	return st, nil
}

// Block places a manual hard block on (class, id). A non-positive d falls
// back to the class block duration.
func (l *Limiter) Block(ctx context.Context, class, id string, d time.Duration) error {
	cfg, ok := l.classes[class]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	if d <= 0 {
		d = cfg.Block
	}
	if d <= 0 {
		return fmt.Errorf("ratelimit: no block duration for class %s", class)
	}

	now := l.now()
	_, err := l.store.Update(ctx, key(class, id), func(cur Entry, exists bool) (Entry, bool) {
		if !exists || !now.Before(cur.ResetAt) {
			cur = Entry{ResetAt: now.Add(cfg.Window)}
		}
		cur.BlockedUntil = now.Add(d)
		return cur, true
	})
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	logger.WarnContext(ctx, "Rate limit block applied", "class", class, "duration", d.String())
	return nil
}

// Reset clears the counter and any block for (class, id).
func (l *Limiter) Reset(ctx context.Context, class, id string) error {
	if _, ok := l.classes[class]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	if err := l.store.Delete(ctx, key(class, id)); err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	return nil
}

// Sweep drops entries whose window and block have both elapsed.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.now())
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				logger.Error("Rate limit sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("Rate limit sweep", "removed", n)
			}
		}
	}
}

func newError(class string, cfg Class, e Entry, retry time.Duration, blocked bool) *Error {
	reset := e.ResetAt
	if blocked && e.BlockedUntil.After(reset) {
		reset = e.BlockedUntil
	}
	return &Error{
		Class:      class,
		Message:    "Too many requests. Please try again later.",
		RetryAfter: retry,
		Limit:      cfg.Max,
		Remaining:  0,
		ResetAt:    reset,
		Blocked:    blocked,
	}
}

// key hashes the identifier so raw IPs and emails never reach the store.
func key(class, id string) string {
	sum := sha256.Sum256([]byte(id))
	return class + ":" + hex.EncodeToString(sum[:])
}
