package otp

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrInvalidCode    = errors.New("invalid or expired verification code")
	ErrUnknownPurpose = errors.New("otp: unknown purpose")
	ErrCooldown       = errors.New("otp: code requested too recently")
	ErrDispatchFailed = errors.New("otp: could not deliver code")
	ErrNotFound       = errors.New("otp: record not found")
)

// VerifyError is a wrong-code failure against a live record.
// AttemptsRemaining is zero once the record is exhausted.
type VerifyError struct {
	AttemptsRemaining int
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s (%d attempts remaining)", ErrInvalidCode, e.AttemptsRemaining)
}

func (e *VerifyError) Is(target error) bool { return target == ErrInvalidCode }

func (e *VerifyError) ErrorCode() string { return "INVALID_CODE" }

func (e *VerifyError) HTTPStatus() int { return http.StatusBadRequest }

func (e *VerifyError) PublicMessage() string { return "Invalid or expired verification code" }

func (e *VerifyError) Details() map[string]any {
	return map[string]any{"attempts_remaining": e.AttemptsRemaining}
}

// CooldownError rejects a regenerate request inside the purpose cooldown.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrCooldown, e.RetryAfter)
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldown }

func (e *CooldownError) ErrorCode() string { return "OTP_COOLDOWN" }

func (e *CooldownError) HTTPStatus() int { return http.StatusTooManyRequests }

func (e *CooldownError) PublicMessage() string {
	return "A code was sent recently. Please wait before requesting another."
}

func (e *CooldownError) Details() map[string]any {
	return map[string]any{"retry_after_ms": e.RetryAfter.Milliseconds()}
}
