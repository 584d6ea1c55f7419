package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/diagnosis/labbooking/pkg/auth"
)

type User struct {
	ID           int64     `json:"id"`
	Role         auth.Role `json:"role"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	CenterID     *int64    `json:"center_id,omitempty"`
	IsVerified   bool      `json:"is_verified"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Subject is the view of u used by authorization checks.
func (u *User) Subject() *auth.Subject {
	return &auth.Subject{
		ID:         u.ID,
		Email:      u.Email,
		Role:       u.Role,
		CenterID:   u.CenterID,
		IsActive:   u.IsActive,
		IsVerified: u.IsVerified,
	}
}

type CreateUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	User        *UserInfo `json:"user"`
}

type UserInfo struct {
	ID         int64     `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Role       auth.Role `json:"role"`
	CenterID   *int64    `json:"center_id,omitempty"`
	IsVerified bool      `json:"is_verified"`
	IsActive   bool      `json:"is_active"`
}

// EmailRequest carries just an address: resend verification, password reset
// and passwordless login requests.
type EmailRequest struct {
	Email string `json:"email"`
}

type VerifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type PasswordResetConfirmRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

type UpdateUserRoleRequest struct {
	Role string `json:"role"`
}

const MinPasswordLength = 10

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phoneRegex = regexp.MustCompile(`^[\+]?[\d\s\-\(\)]+$`)
)

func (r *CreateUserRequest) Validate() error {
	if r.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !isValidEmail(r.Email) {
		return fmt.Errorf("invalid email format")
	}
	if err := ValidatePassword(r.Password); err != nil {
		return err
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Phone != "" && !isValidPhone(r.Phone) {
		return fmt.Errorf("invalid phone format")
	}
	return nil
}

func (r *CreateUserRequest) Normalize() {
	r.Email = NormalizeEmail(r.Email)
	r.Name = strings.TrimSpace(r.Name)
	r.Phone = strings.TrimSpace(r.Phone)
}

func (r *LoginRequest) Validate() error {
	if r.Email == "" || !isValidEmail(r.Email) {
		return fmt.Errorf("a valid email is required")
	}
	if r.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

func (r *LoginRequest) Normalize() {
	r.Email = NormalizeEmail(r.Email)
}

func (r *EmailRequest) Validate() error {
	r.Email = NormalizeEmail(r.Email)
	if !isValidEmail(r.Email) {
		return fmt.Errorf("a valid email is required")
	}
	return nil
}

func (r *VerifyCodeRequest) Validate() error {
	r.Email = NormalizeEmail(r.Email)
	r.Code = strings.TrimSpace(r.Code)
	if !isValidEmail(r.Email) {
		return fmt.Errorf("a valid email is required")
	}
	if r.Code == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}

func (r *PasswordResetConfirmRequest) Validate() error {
	r.Email = NormalizeEmail(r.Email)
	r.Code = strings.TrimSpace(r.Code)
	if !isValidEmail(r.Email) {
		return fmt.Errorf("a valid email is required")
	}
	if r.Code == "" {
		return fmt.Errorf("code is required")
	}
	return ValidatePassword(r.NewPassword)
}

func ValidatePassword(p string) error {
	if p == "" {
		return fmt.Errorf("password is required")
	}
	if len(p) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

func isValidPhone(phone string) bool {
	return phoneRegex.MatchString(phone) && len(phone) >= 7
}

// ToUserInfo converts User to UserInfo (without sensitive data)
func (u *User) ToUserInfo() *UserInfo {
	return &UserInfo{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Phone:      u.Phone,
		Role:       u.Role,
		CenterID:   u.CenterID,
		IsVerified: u.IsVerified,
		IsActive:   u.IsActive,
	}
}
