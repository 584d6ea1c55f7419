package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/pkg/otp"
	"github.com/diagnosis/labbooking/services/access/internal/domain"
)

var (
	ErrNotFound    = errors.New("user not found")
	ErrEmailExists = errors.New("email already registered")
)

type UserRepository interface {
	Create(ctx context.Context, req *domain.CreateUserRequest, passwordHash string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByPhone(ctx context.Context, phone string) (*domain.User, error)
	FindByID(ctx context.Context, id int64) (*domain.User, error)
	MarkVerifiedActive(ctx context.Context, userID int64) error
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	UpdateRole(ctx context.Context, userID int64, role auth.Role) error
}

type userRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userCols = `id, role, email, password_hash, name, phone, center_id, is_verified, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u    domain.User
		role string
	)
	err := row.Scan(&u.ID, &role, &u.Email, &u.PasswordHash, &u.Name, &u.Phone, &u.CenterID,
		&u.IsVerified, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if u.Role, err = auth.ParseRole(role); err != nil {
		return nil, fmt.Errorf("user %d: %w", u.ID, err)
	}
	return &u, nil
}

// Create inserts a patient that is neither verified nor active until the
// email verification code is confirmed.
func (r *userRepository) Create(ctx context.Context, req *domain.CreateUserRequest, passwordHash string) (*domain.User, error) {
	const q = `
		INSERT INTO users (role, email, password_hash, name, phone, is_verified, is_active)
		VALUES ($1, $2, $3, $4, $5, false, false)
		RETURNING ` + userCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	u, err := scanUser(r.pool.QueryRow(ctx, q, auth.RolePatient.String(), req.Email, passwordHash, req.Name, req.Phone))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, ErrEmailExists
	}
	return u, err
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE lower(email) = lower($1)`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return scanUser(r.pool.QueryRow(ctx, q, email))
}

// FindByPhone matches on digits and a leading plus only.
func (r *userRepository) FindByPhone(ctx context.Context, phone string) (*domain.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE regexp_replace(phone, '[^0-9+]', '', 'g') = $1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return scanUser(r.pool.QueryRow(ctx, q, phone))
}

func (r *userRepository) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE id = $1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return scanUser(r.pool.QueryRow(ctx, q, id))
}

func (r *userRepository) MarkVerifiedActive(ctx context.Context, userID int64) error {
	const q = `UPDATE users SET is_verified = true, is_active = true, updated_at = now() WHERE id = $1`
	return r.exec(ctx, q, userID)
}

func (r *userRepository) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	const q = `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`
	return r.exec(ctx, q, userID, passwordHash)
}

func (r *userRepository) UpdateRole(ctx context.Context, userID int64, role auth.Role) error {
	const q = `UPDATE users SET role = $2, updated_at = now() WHERE id = $1`
	return r.exec(ctx, q, userID, role.String())
}

func (r *userRepository) exec(ctx context.Context, q string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Directory adapts a UserRepository to the lookups the verification and
// authentication layers need.
type Directory struct {
	Users UserRepository
}

func (d Directory) FindSubject(ctx context.Context, id int64) (*auth.Subject, error) {
	u, err := d.Users.FindByID(ctx, id)
	if err != nil || u == nil {
		return nil, err
	}
	return u.Subject(), nil
}

func (d Directory) LookupByDestination(ctx context.Context, ch otp.Channel, destination string) (int64, bool, error) {
	var (
		u   *domain.User
		err error
	)
	switch ch {
	case otp.ChannelEmail:
		u, err = d.Users.FindByEmail(ctx, destination)
	case otp.ChannelSMS:
		u, err = d.Users.FindByPhone(ctx, destination)
	default:
		return 0, false, fmt.Errorf("unsupported channel %q", ch)
	}
	if err != nil {
		return 0, false, err
	}
	if u == nil {
		return 0, false, nil
	}
	return u.ID, true, nil
}

func (d Directory) Activate(ctx context.Context, subjectID int64) error {
	return d.Users.MarkVerifiedActive(ctx, subjectID)
}
