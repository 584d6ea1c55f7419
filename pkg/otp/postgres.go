package otp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps records in the verification_codes table:
//
//	CREATE TABLE verification_codes (
//	    id              text PRIMARY KEY,
//	    subject_id      bigint NOT NULL,
//	    channel         text NOT NULL,
//	    purpose         text NOT NULL,
//	    code_hash       text NOT NULL,
//	    created_at      timestamptz NOT NULL,
//	    expires_at      timestamptz NOT NULL,
//	    used            boolean NOT NULL DEFAULT false,
//	    attempts        integer NOT NULL DEFAULT 0,
//	    last_attempt_at timestamptz
//	);
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, timeout: 3 * time.Second}
}

const codeCols = `id, subject_id, channel, purpose, code_hash, created_at, expires_at, used, attempts, last_attempt_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec  Record
		last sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.Channel, &rec.Purpose, &rec.CodeHash,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.Used, &rec.Attempts, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if last.Valid {
		rec.LastAttemptAt = last.Time
	}
	return rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec Record, cooldown time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	defer tx.Rollback()

	// Serialises concurrent issues for the same subject and purpose.
	lock := fmt.Sprintf("otp:%d:%s", rec.SubjectID, rec.Purpose)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lock); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	if cooldown > 0 {
		var newest time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT created_at FROM verification_codes
			 WHERE subject_id = $1 AND purpose = $2
			 ORDER BY created_at DESC, id DESC
			 LIMIT 1`,
			rec.SubjectID, rec.Purpose).Scan(&newest)
		switch {
		case err == nil:
			if wait := cooldown - rec.CreatedAt.Sub(newest); wait > 0 {
				return 0, &CooldownError{RetryAfter: wait}
			}
		case !errors.Is(err, sql.ErrNoRows):
			return 0, fmt.Errorf("db error: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE verification_codes SET used = true
		 WHERE subject_id = $1 AND purpose = $2 AND used = false`,
		rec.SubjectID, rec.Purpose)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	invalidated, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO verification_codes (id, subject_id, channel, purpose, code_hash, created_at, expires_at, used, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, 0)`,
		rec.ID, rec.SubjectID, rec.Channel, rec.Purpose, rec.CodeHash, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(invalidated), nil
}

func (s *PostgresStore) Latest(ctx context.Context, subjectID int64, purpose Purpose) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+codeCols+` FROM verification_codes
		 WHERE subject_id = $1 AND purpose = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		subjectID, purpose)
	rec, err := scanRecord(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	return rec, err
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+codeCols+` FROM verification_codes WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}

	next := cur
	if err := fn(&next); err != nil {
		return cur, err
	}

	var last sql.NullTime
	if !next.LastAttemptAt.IsZero() {
		last = sql.NullTime{Time: next.LastAttemptAt, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE verification_codes SET used = $2, attempts = $3, last_attempt_at = $4 WHERE id = $1`,
		id, next.Used, next.Attempts, last)
	if err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("db error: %w", err)
	}

	cur.Used, cur.Attempts, cur.LastAttemptAt = next.Used, next.Attempts, next.LastAttemptAt
	return cur, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}
