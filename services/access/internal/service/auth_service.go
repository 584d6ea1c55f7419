package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/alexedwards/argon2id"

	"github.com/diagnosis/labbooking/pkg/audit"
	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/otp"
	"github.com/diagnosis/labbooking/services/access/internal/domain"
	"github.com/diagnosis/labbooking/services/access/internal/repository"
)

type AuthService interface {
	Register(ctx context.Context, req *domain.CreateUserRequest) (*domain.User, error)
	Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error)
	VerifyEmail(ctx context.Context, req *domain.VerifyCodeRequest) (*domain.User, error)
	ResendVerification(ctx context.Context, email string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, req *domain.PasswordResetConfirmRequest) error
	RequestLoginCode(ctx context.Context, email string) error
	LoginWithCode(ctx context.Context, req *domain.VerifyCodeRequest) (*domain.LoginResponse, error)
	Logout(ctx context.Context, claims *auth.Claims) error
	GetUser(ctx context.Context, actor *auth.Subject, id int64) (*domain.User, error)
	AssignRole(ctx context.Context, actor *auth.Subject, targetID int64, role auth.Role) (*domain.User, error)
}

type authService struct {
	users  repository.UserRepository
	codes  *otp.Service
	signer *auth.Signer
	authn  *auth.Authenticator
	audit  *audit.Logger
	params *argon2id.Params
	// dummyHash is compared against when the email is unknown so both
	// paths cost one argon2id evaluation.
	dummyHash string
}

func NewAuthService(
	users repository.UserRepository,
	codes *otp.Service,
	signer *auth.Signer,
	authn *auth.Authenticator,
	auditLog *audit.Logger,
	params *argon2id.Params,
) (AuthService, error) {
	if params == nil {
		params = argon2id.DefaultParams
	}
	dummy, err := argon2id.CreateHash("labbooking-timing-equaliser", params)
	if err != nil {
		return nil, fmt.Errorf("create dummy hash: %w", err)
	}
	return &authService{
		users:     users,
		codes:     codes,
		signer:    signer,
		authn:     authn,
		audit:     auditLog,
		params:    params,
		dummyHash: dummy,
	}, nil
}

func (s *authService) Register(ctx context.Context, req *domain.CreateUserRequest) (*domain.User, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, invalidInput(err)
	}

	passwordHash, err := argon2id.CreateHash(req.Password, s.params)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.Create(ctx, req, passwordHash)
	if errors.Is(err, repository.ErrEmailExists) {
		s.audit.LogAuth(ctx, audit.Anonymous, "register", audit.OutcomeFailure, map[string]any{"reason": "email_exists"})
		return nil, ErrEmailExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	actor := strconv.FormatInt(user.ID, 10)
	s.audit.LogAuth(ctx, actor, "register", audit.OutcomeSuccess, map[string]any{"role": user.Role.String()})

	// The account exists either way; a failed send is recovered with resend.
	if _, err := s.codes.GenerateAndSend(ctx, user.ID, user.Email, otp.PurposeEmailVerification); err != nil {
		logger.ErrorContext(ctx, "Failed to send verification code", "error", err, "user_id", user.ID)
	}
	return user, nil
}

func (s *authService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, invalidInput(err)
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		_, _ = argon2id.ComparePasswordAndHash(req.Password, s.dummyHash)
		s.audit.LogAuth(ctx, audit.Anonymous, "login", audit.OutcomeFailure, map[string]any{"reason": "unknown_email"})
		return nil, ErrInvalidCredentials
	}
	actor := strconv.FormatInt(user.ID, 10)

	valid, err := argon2id.ComparePasswordAndHash(req.Password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !valid {
		s.audit.LogAuth(ctx, actor, "login", audit.OutcomeFailure, map[string]any{"reason": "bad_password"})
		return nil, ErrInvalidCredentials
	}

	if err := accountUsable(user); err != nil {
		s.audit.LogAuth(ctx, actor, "login", audit.OutcomeFailure, map[string]any{"reason": err.Code})
		return nil, err
	}
	return s.issue(ctx, user, "password")
}

func accountUsable(u *domain.User) *auth.AuthError {
	if !u.IsVerified {
		return auth.ErrAccountUnverified
	}
	if !u.IsActive {
		return auth.ErrAccountInactive
	}
	return nil
}

func (s *authService) issue(ctx context.Context, user *domain.User, method string) (*domain.LoginResponse, error) {
	token, _, err := s.signer.Issue(user.Subject())
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}
	s.audit.LogAuth(ctx, strconv.FormatInt(user.ID, 10), "login", audit.OutcomeSuccess, map[string]any{
		"method": method,
		"role":   user.Role.String(),
	})
	return &domain.LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.signer.TTL().Seconds()),
		User:        user.ToUserInfo(),
	}, nil
}

func (s *authService) VerifyEmail(ctx context.Context, req *domain.VerifyCodeRequest) (*domain.User, error) {
	if err := req.Validate(); err != nil {
		return nil, invalidInput(err)
	}
	v, err := s.codes.Verify(ctx, req.Email, req.Code, otp.PurposeEmailVerification)
	if err != nil {
		return nil, codeError(err)
	}
	user, err := s.users.FindByID(ctx, v.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get verified user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// ResendVerification answers the same way for unknown, already verified and
// cooling down addresses.
func (s *authService) ResendVerification(ctx context.Context, email string) error {
	user, err := s.lookup(ctx, email)
	if err != nil || user == nil {
		return err
	}
	if user.IsVerified {
		logger.InfoContext(ctx, "Verification resend for verified account ignored", "user_id", user.ID)
		return nil
	}
	return s.sendCode(ctx, user, otp.PurposeEmailVerification)
}

// sendCode issues a code for purpose. A cooldown is answered like a send so
// the caller cannot tell a registered address from an unknown one.
func (s *authService) sendCode(ctx context.Context, user *domain.User, purpose otp.Purpose) error {
	_, err := s.codes.GenerateAndSend(ctx, user.ID, user.Email, purpose)
	if errors.Is(err, otp.ErrCooldown) {
		logger.InfoContext(ctx, "Code request inside cooldown", "user_id", user.ID, "purpose", purpose)
		return nil
	}
	return err
}

// RequestPasswordReset never reports whether the address is registered.
func (s *authService) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.lookup(ctx, email)
	var input *Error
	if errors.As(err, &input) {
		return err
	}
	if err != nil {
		logger.ErrorContext(ctx, "Password reset lookup failed", "error", err)
		return nil
	}
	if user == nil {
		return nil
	}
	if _, err := s.codes.GenerateAndSend(ctx, user.ID, user.Email, otp.PurposePasswordReset); err != nil {
		logger.WarnContext(ctx, "Password reset code not sent", "error", err, "user_id", user.ID)
	}
	return nil
}

func (s *authService) ConfirmPasswordReset(ctx context.Context, req *domain.PasswordResetConfirmRequest) error {
	if err := req.Validate(); err != nil {
		return invalidInput(err)
	}
	passwordHash, err := argon2id.CreateHash(req.NewPassword, s.params)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	v, err := s.codes.Verify(ctx, req.Email, req.Code, otp.PurposePasswordReset)
	if err != nil {
		return codeError(err)
	}
	if err := s.users.UpdatePassword(ctx, v.SubjectID, passwordHash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	s.audit.LogAuth(ctx, strconv.FormatInt(v.SubjectID, 10), "password_reset", audit.OutcomeSuccess, map[string]any{
		"reference": v.Reference,
	})
	return nil
}

// RequestLoginCode sends a sign-in code to usable accounts only. Other
// addresses get the same empty answer.
func (s *authService) RequestLoginCode(ctx context.Context, email string) error {
	user, err := s.lookup(ctx, email)
	if err != nil || user == nil {
		return err
	}
	if accountUsable(user) != nil {
		return nil
	}
	return s.sendCode(ctx, user, otp.PurposeLogin)
}

func (s *authService) LoginWithCode(ctx context.Context, req *domain.VerifyCodeRequest) (*domain.LoginResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, invalidInput(err)
	}
	v, err := s.codes.Verify(ctx, req.Email, req.Code, otp.PurposeLogin)
	if err != nil {
		return nil, codeError(err)
	}
	user, err := s.users.FindByID(ctx, v.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCode
	}
	if aerr := accountUsable(user); aerr != nil {
		return nil, aerr
	}
	return s.issue(ctx, user, "code")
}

func (s *authService) Logout(ctx context.Context, claims *auth.Claims) error {
	if err := s.authn.Revoke(ctx, claims); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// GetUser returns id's record. Access is decided by the route; the read is
// audited here.
func (s *authService) GetUser(ctx context.Context, actor *auth.Subject, id int64) (*domain.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	outcome := audit.OutcomeSuccess
	if user == nil {
		outcome = audit.OutcomeFailure
	}
	s.audit.LogDataAccess(ctx, strconv.FormatInt(actor.ID, 10), "read", "user", strconv.FormatInt(id, 10), outcome, map[string]any{
		"self": actor.ID == id,
	})
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *authService) AssignRole(ctx context.Context, actor *auth.Subject, targetID int64, role auth.Role) (*domain.User, error) {
	if !role.Valid() {
		return nil, invalidInput(fmt.Errorf("unknown role"))
	}
	err := s.authn.AuthorizeRoleAssignment(ctx, actor, targetID, role)
	if errors.Is(err, auth.ErrSubjectNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateRole(ctx, targetID, role); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update role: %w", err)
	}
	s.audit.LogDataAccess(ctx, strconv.FormatInt(actor.ID, 10), "update_role", "user", strconv.FormatInt(targetID, 10), audit.OutcomeSuccess, map[string]any{
		"role": role.String(),
	})

	user, err := s.users.FindByID(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *authService) lookup(ctx context.Context, email string) (*domain.User, error) {
	req := domain.EmailRequest{Email: email}
	if err := req.Validate(); err != nil {
		return nil, invalidInput(err)
	}
	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}
