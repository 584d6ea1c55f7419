package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/services/access/internal/domain"
)

// MemoryUserRepository keeps users in process. It backs tests and local
// runs without a database.
var _ UserRepository = (*MemoryUserRepository)(nil)

type MemoryUserRepository struct {
	mu     sync.RWMutex
	nextID int64
	users  map[int64]*domain.User
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[int64]*domain.User)}
}

func (m *MemoryUserRepository) Create(_ context.Context, req *domain.CreateUserRequest, passwordHash string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, req.Email) {
			return nil, ErrEmailExists
		}
	}
	m.nextID++
	now := time.Now().UTC()
	u := &domain.User{
		ID:           m.nextID,
		Role:         auth.RolePatient,
		Email:        req.Email,
		PasswordHash: passwordHash,
		Name:         req.Name,
		Phone:        req.Phone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[u.ID] = u
	return copyUser(u), nil
}

// Put stores u as is, assigning an id when it has none.
func (m *MemoryUserRepository) Put(u *domain.User) *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		m.nextID++
		u.ID = m.nextID
	} else if u.ID > m.nextID {
		m.nextID = u.ID
	}
	m.users[u.ID] = copyUser(u)
	return copyUser(u)
}

func (m *MemoryUserRepository) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	return m.find(func(u *domain.User) bool { return strings.EqualFold(u.Email, email) }), nil
}

func (m *MemoryUserRepository) FindByPhone(_ context.Context, phone string) (*domain.User, error) {
	return m.find(func(u *domain.User) bool { return digits(u.Phone) == phone }), nil
}

func (m *MemoryUserRepository) FindByID(_ context.Context, id int64) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, nil
}

func (m *MemoryUserRepository) MarkVerifiedActive(_ context.Context, userID int64) error {
	return m.mutate(userID, func(u *domain.User) {
		u.IsVerified = true
		u.IsActive = true
	})
}

func (m *MemoryUserRepository) UpdatePassword(_ context.Context, userID int64, passwordHash string) error {
	return m.mutate(userID, func(u *domain.User) { u.PasswordHash = passwordHash })
}

func (m *MemoryUserRepository) UpdateRole(_ context.Context, userID int64, role auth.Role) error {
	return m.mutate(userID, func(u *domain.User) { u.Role = role })
}

func (m *MemoryUserRepository) find(match func(*domain.User) bool) *domain.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			return copyUser(u)
		}
	}
	return nil
}

func (m *MemoryUserRepository) mutate(id int64, fn func(*domain.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func copyUser(u *domain.User) *domain.User {
	c := *u
	if u.CenterID != nil {
		id := *u.CenterID
		c.CenterID = &id
	}
	return &c
}

func digits(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if (i == 0 && r == '+') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
