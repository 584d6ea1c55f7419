package otp

import (
	"fmt"
	"strings"
	"time"
)

type Purpose string

const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposeLogin             Purpose = "login"
	PurposePasswordReset     Purpose = "password_reset"
)

// ParsePurpose accepts the canonical names and "signup" for email verification.
func ParsePurpose(s string) (Purpose, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "signup", string(PurposeEmailVerification):
		return PurposeEmailVerification, nil
	case string(PurposeLogin):
		return PurposeLogin, nil
	case string(PurposePasswordReset):
		return PurposePasswordReset, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPurpose, s)
}

// Activates reports whether a successful verification marks the subject
// verified and active.
func (p Purpose) Activates() bool {
	return p == PurposeEmailVerification
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// PurposeConfig fixes everything about a code that callers cannot influence.
type PurposeConfig struct {
	TTL         time.Duration
	Length      int
	MaxAttempts int
	Cooldown    time.Duration
	Channel     Channel
}

func (c PurposeConfig) validate(p Purpose) error {
	switch {
	case c.TTL <= 0:
		return fmt.Errorf("otp: purpose %s: ttl must be positive", p)
	case c.Length < 4 || c.Length > 10:
		return fmt.Errorf("otp: purpose %s: length must be between 4 and 10", p)
	case c.MaxAttempts < 1:
		return fmt.Errorf("otp: purpose %s: max attempts must be at least 1", p)
	case c.Cooldown < 0:
		return fmt.Errorf("otp: purpose %s: negative cooldown", p)
	case c.Channel != ChannelEmail && c.Channel != ChannelSMS:
		return fmt.Errorf("otp: purpose %s: unknown channel %q", p, c.Channel)
	}
	return nil
}

// DefaultPurposes: login step-up and password reset live shorter than signup.
func DefaultPurposes() map[Purpose]PurposeConfig {
	return map[Purpose]PurposeConfig{
		PurposeEmailVerification: {TTL: 30 * time.Minute, Length: 6, MaxAttempts: 5, Cooldown: time.Minute, Channel: ChannelEmail},
		PurposeLogin:             {TTL: 5 * time.Minute, Length: 6, MaxAttempts: 3, Cooldown: 30 * time.Second, Channel: ChannelEmail},
		PurposePasswordReset:     {TTL: 10 * time.Minute, Length: 6, MaxAttempts: 3, Cooldown: time.Minute, Channel: ChannelEmail},
	}
}
