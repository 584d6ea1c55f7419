package otp

import (
	"context"
	"time"
)

// Record is one issued code. Only the bcrypt hash of the code is kept.
type Record struct {
	ID            string
	SubjectID     int64
	Channel       Channel
	Purpose       Purpose
	CodeHash      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Used          bool
	Attempts      int
	LastAttemptAt time.Time
}

// Active reports whether the record can still be verified at now, ignoring attempts.
func (r Record) Active(now time.Time) bool {
	return !r.Used && now.Before(r.ExpiresAt)
}

// Store persists verification records.
type Store interface {
	// Create inserts rec and marks every other unused record for the same
	// subject and purpose as used, as one atomic step. It returns how many
	// records were invalidated. If the newest record of the group was created
	// less than cooldown before rec.CreatedAt, nothing is written and the
	// error is a *CooldownError.
	Create(ctx context.Context, rec Record, cooldown time.Duration) (int, error)
	// Latest returns the most recently created record for subject and
	// purpose in any state, or ErrNotFound.
	Latest(ctx context.Context, subjectID int64, purpose Purpose) (Record, error)
	// Update runs fn on the record under a per-record lock and persists the
	// result unless fn returns an error, which is passed through.
	Update(ctx context.Context, id string, fn func(*Record) error) (Record, error)
	Delete(ctx context.Context, id string) error
	// Sweep deletes records that expired before now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
