package otp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/diagnosis/labbooking/pkg/audit"
	"github.com/diagnosis/labbooking/pkg/ids"
	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/metrics"
)

// Message is what a Sender delivers. Code is the only place the plaintext
// code exists after generation.
type Message struct {
	Reference   string
	Channel     Channel
	Destination string
	Purpose     Purpose
	Code        string
	ExpiresAt   time.Time
}

// Sender delivers codes over email or SMS. Send must honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Directory resolves destinations to subjects and applies the activation
// side effect of a successful email verification.
type Directory interface {
	LookupByDestination(ctx context.Context, ch Channel, destination string) (subjectID int64, found bool, err error)
	Activate(ctx context.Context, subjectID int64) error
}

type Config struct {
	Purposes        map[Purpose]PurposeConfig
	DispatchTimeout time.Duration
	// HashCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	HashCost int
}

type Issued struct {
	Reference string    `json:"reference"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Verified struct {
	SubjectID int64  `json:"subject_id"`
	Reference string `json:"-"`
}

type Service struct {
	store     Store
	sender    Sender
	directory Directory
	audit     *audit.Logger

	purposes        map[Purpose]PurposeConfig
	dispatchTimeout time.Duration
	hashCost        int
	now             func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, sender Sender, directory Directory, auditLog *audit.Logger, cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.Purposes) == 0 {
		cfg.Purposes = DefaultPurposes()
	}
	purposes := make(map[Purpose]PurposeConfig, len(cfg.Purposes))
	for p, pc := range cfg.Purposes {
		if err := pc.validate(p); err != nil {
			return nil, err
		}
		purposes[p] = pc
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if cfg.HashCost < bcrypt.MinCost || cfg.HashCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("otp: bcrypt cost %d out of range", cfg.HashCost)
	}

	s := &Service{
		store:           store,
		sender:          sender,
		directory:       directory,
		audit:           auditLog,
		purposes:        purposes,
		dispatchTimeout: cfg.DispatchTimeout,
		hashCost:        cfg.HashCost,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Purpose returns the resolved configuration for p.
func (s *Service) Purpose(p Purpose) (PurposeConfig, bool) {
	c, ok := s.purposes[p]
	return c, ok
}

// GenerateAndSend issues a fresh code for (subjectID, purpose), invalidating
// any earlier live code, and delivers it to destination. If delivery fails
// the new record is removed so the caller can simply retry.
func (s *Service) GenerateAndSend(ctx context.Context, subjectID int64, destination string, purpose Purpose) (Issued, error) {
	cfg, ok := s.purposes[purpose]
	if !ok {
		return Issued{}, fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
	}
	actor := strconv.FormatInt(subjectID, 10)
	destination = normalizeDestination(cfg.Channel, destination)
	if destination == "" {
		return Issued{}, fmt.Errorf("otp: empty destination")
	}
	now := s.now()

	// Cheap early answer; Create repeats the check atomically.
	latest, err := s.store.Latest(ctx, subjectID, purpose)
	switch {
	case err == nil:
		if wait := cfg.Cooldown - now.Sub(latest.CreatedAt); wait > 0 {
			return Issued{}, s.throttled(ctx, actor, purpose, latest.ID, wait)
		}
	case !errors.Is(err, ErrNotFound):
		s.audit.LogOTP(ctx, actor, "generate_failed", string(purpose), "", audit.OutcomeFailure, audit.SeverityHigh,
			map[string]any{"stage": "lookup"})
		return Issued{}, fmt.Errorf("otp store: %w", err)
	}

	code, err := generateCode(cfg.Length)
	if err != nil {
		return Issued{}, err
	}
	hash, err := hashCode(code, s.hashCost)
	if err != nil {
		return Issued{}, err
	}

	rec := Record{
		ID:        ids.New(),
		SubjectID: subjectID,
		Channel:   cfg.Channel,
		Purpose:   purpose,
		CodeHash:  hash,
		CreatedAt: now,
		ExpiresAt: now.Add(cfg.TTL),
	}
	invalidated, err := s.store.Create(ctx, rec, cfg.Cooldown)
	var cErr *CooldownError
	if errors.As(err, &cErr) {
		return Issued{}, s.throttled(ctx, actor, purpose, "", cErr.RetryAfter)
	}
	if err != nil {
		s.audit.LogOTP(ctx, actor, "generate_failed", string(purpose), rec.ID, audit.OutcomeFailure, audit.SeverityHigh,
			map[string]any{"stage": "store"})
		return Issued{}, fmt.Errorf("otp store: %w", err)
	}
	s.event(purpose, "generated")
	s.audit.LogOTP(ctx, actor, "generated", string(purpose), rec.ID, audit.OutcomeSuccess, "", map[string]any{
		"channel":     string(cfg.Channel),
		"expires_at":  rec.ExpiresAt,
		"invalidated": invalidated,
	})

	sendCtx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	err = s.sender.Send(sendCtx, Message{
		Reference:   rec.ID,
		Channel:     cfg.Channel,
		Destination: destination,
		Purpose:     purpose,
		Code:        code,
		ExpiresAt:   rec.ExpiresAt,
	})
	cancel()
	if err != nil {
		// The caller's ctx may be the thing that expired; rollback must still run.
		if derr := s.store.Delete(context.WithoutCancel(ctx), rec.ID); derr != nil {
			logger.ErrorContext(ctx, "Failed to roll back undelivered code", "error", derr, "reference", rec.ID)
		}
		s.event(purpose, "dispatch_failed")
		s.audit.LogOTP(ctx, actor, "dispatch_failed", string(purpose), rec.ID, audit.OutcomeFailure, audit.SeverityHigh,
			map[string]any{"channel": string(cfg.Channel), "timeout": errors.Is(err, context.DeadlineExceeded)})
		logger.ErrorContext(ctx, "OTP dispatch failed", "error", err, "purpose", purpose, "channel", cfg.Channel)
		return Issued{}, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	s.event(purpose, "dispatched")
	s.audit.LogOTP(ctx, actor, "dispatched", string(purpose), rec.ID, audit.OutcomeSuccess, "",
		map[string]any{"channel": string(cfg.Channel)})

	return Issued{Reference: rec.ID, ExpiresAt: rec.ExpiresAt}, nil
}

var (
	errInactive  = errors.New("record no longer active")
	errExhausted = errors.New("record attempts exhausted")
)

// Verify checks code against the latest live record for the subject owning
// destination. Every failure that could reveal whether destination exists
// returns ErrInvalidCode; a wrong guess against a live record returns
// *VerifyError with the attempts left.
func (s *Service) Verify(ctx context.Context, destination, code string, purpose Purpose) (Verified, error) {
	cfg, ok := s.purposes[purpose]
	if !ok {
		return Verified{}, fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
	}
	p := string(purpose)
	destination = normalizeDestination(cfg.Channel, destination)

	if !wellFormed(code, cfg.Length) {
		s.failed(ctx, audit.Anonymous, p, "", "malformed")
		return Verified{}, ErrInvalidCode
	}

	subjectID, found, err := s.directory.LookupByDestination(ctx, cfg.Channel, destination)
	if err != nil {
		s.audit.LogOTP(ctx, audit.Anonymous, "verify_failed", p, "", audit.OutcomeFailure, audit.SeverityHigh,
			map[string]any{"reason": "directory_error"})
		return Verified{}, fmt.Errorf("lookup subject: %w", err)
	}
	if !found {
		s.failed(ctx, audit.Anonymous, p, "", "unknown_destination")
		return Verified{}, ErrInvalidCode
	}
	actor := strconv.FormatInt(subjectID, 10)

	rec, err := s.store.Latest(ctx, subjectID, purpose)
	if errors.Is(err, ErrNotFound) {
		s.failed(ctx, actor, p, "", "not_found")
		return Verified{}, ErrInvalidCode
	}
	if err != nil {
		s.audit.LogOTP(ctx, actor, "verify_failed", p, "", audit.OutcomeFailure, audit.SeverityHigh,
			map[string]any{"reason": "store_error"})
		return Verified{}, fmt.Errorf("otp store: %w", err)
	}

	matched := false
	updated, err := s.store.Update(ctx, rec.ID, func(r *Record) error {
		now := s.now()
		if !r.Active(now) {
			return errInactive
		}
		if r.Attempts >= cfg.MaxAttempts {
			return errExhausted
		}
		r.LastAttemptAt = now
		if !matches(r.CodeHash, code) {
			r.Attempts++
			matched = false
			return nil
		}
		r.Used = true
		matched = true
		return nil
	})
	switch {
	case errors.Is(err, errInactive), errors.Is(err, ErrNotFound):
		s.failed(ctx, actor, p, rec.ID, "expired_or_used")
		return Verified{}, ErrInvalidCode
	case errors.Is(err, errExhausted):
		s.failed(ctx, actor, p, rec.ID, "attempts_exhausted")
		return Verified{}, &VerifyError{AttemptsRemaining: 0}
	case err != nil:
		s.audit.LogOTP(ctx, actor, "verify_failed", p, rec.ID, audit.OutcomeFailure, audit.SeverityHigh,
			map[string]any{"reason": "store_error"})
		return Verified{}, fmt.Errorf("otp store: %w", err)
	}

	if !matched {
		remaining := max(cfg.MaxAttempts-updated.Attempts, 0)
		s.audit.LogOTP(ctx, actor, "verify_failed", p, rec.ID, audit.OutcomeFailure, "", map[string]any{
			"reason":             "mismatch",
			"attempts":           updated.Attempts,
			"attempts_remaining": remaining,
		})
		s.event(purpose, "mismatch")
		return Verified{}, &VerifyError{AttemptsRemaining: remaining}
	}

	if purpose.Activates() {
		if err := s.directory.Activate(ctx, subjectID); err != nil {
			s.audit.LogOTP(ctx, actor, "activation_failed", p, rec.ID, audit.OutcomeFailure, audit.SeverityCritical, nil)
			return Verified{}, fmt.Errorf("activate subject %d: %w", subjectID, err)
		}
	}

	s.event(purpose, "verified")
	s.audit.LogOTP(ctx, actor, "verified", p, rec.ID, audit.OutcomeSuccess, "",
		map[string]any{"activated": purpose.Activates()})
	return Verified{SubjectID: subjectID, Reference: rec.ID}, nil
}

// Sweep removes expired records.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, s.now())
}

// Run sweeps every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Error("OTP sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("OTP sweep", "removed", n)
			}
		}
	}
}

func (s *Service) throttled(ctx context.Context, actor string, purpose Purpose, ref string, wait time.Duration) error {
	s.event(purpose, "cooldown")
	s.audit.LogOTP(ctx, actor, "generate_throttled", string(purpose), ref, audit.OutcomeFailure, "", nil)
	return &CooldownError{RetryAfter: wait}
}

func (s *Service) failed(ctx context.Context, actor, purpose, ref, reason string) {
	metrics.OTPEvents.WithLabelValues(purpose, "rejected").Inc()
	s.audit.LogOTP(ctx, actor, "verify_failed", purpose, ref, audit.OutcomeFailure, "", map[string]any{"reason": reason})
}

func (s *Service) event(p Purpose, name string) {
	metrics.OTPEvents.WithLabelValues(string(p), name).Inc()
}
