package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/diagnosis/labbooking/pkg/audit"
	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/metrics"
	"github.com/diagnosis/labbooking/pkg/ratelimit"
	"github.com/diagnosis/labbooking/pkg/response"
)

const DefaultCookieName = "access_token"

// Options is the per-route policy.
type Options struct {
	AllowedRoles        []Role
	RequireActive       bool
	RequireVerification bool
	// RateLimitClass, when set, is checked against the client IP before the
	// token is looked at.
	RateLimitClass string
}

type Authenticator struct {
	signer     *Signer
	subjects   SubjectStore
	audit      *audit.Logger
	limiter    *ratelimit.Limiter
	denylist   Denylist
	cookieName string
}

type Option func(*Authenticator)

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(a *Authenticator) { a.limiter = l }
}

func WithDenylist(d Denylist) Option {
	return func(a *Authenticator) { a.denylist = d }
}

func WithCookieName(name string) Option {
	return func(a *Authenticator) { a.cookieName = name }
}

func NewAuthenticator(signer *Signer, subjects SubjectStore, auditLog *audit.Logger, opts ...Option) *Authenticator {
	a := &Authenticator{
		signer:     signer,
		subjects:   subjects,
		audit:      auditLog,
		cookieName: DefaultCookieName,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authenticator) CookieName() string { return a.cookieName }

// Authenticate runs the full check chain for r and stops at the first failure.
// Exactly one audit event is emitted whatever the outcome.
func (a *Authenticator) Authenticate(r *http.Request, opts Options) (*Subject, error) {
	s, _, err := a.authenticate(r, opts, nil)
	return s, err
}

// AuthenticateOwner is Authenticate where the subject with id ownerID passes
// the role check regardless of AllowedRoles.
func (a *Authenticator) AuthenticateOwner(r *http.Request, opts Options, ownerID int64) (*Subject, error) {
	s, _, err := a.authenticate(r, opts, &ownerID)
	return s, err
}

func (a *Authenticator) authenticate(r *http.Request, opts Options, ownerID *int64) (*Subject, *Claims, error) {
	ctx := audit.WithRequest(r.Context(), r)

	if opts.RateLimitClass != "" && a.limiter != nil {
		err := a.limiter.Check(ctx, opts.RateLimitClass, audit.ClientIP(r))
		var rlErr *ratelimit.Error
		switch {
		case errors.As(err, &rlErr):
			metrics.AuthDecisions.WithLabelValues(ratelimit.CodeRateLimitExceeded).Inc()
			a.audit.LogSecurity(ctx, audit.Anonymous, "rate_limited", audit.SeverityHigh, map[string]any{
				"class":          opts.RateLimitClass,
				"path":           r.URL.Path,
				"retry_after_ms": rlErr.RetryAfterMs(),
			})
			return nil, nil, err
		case err != nil:
			return nil, nil, a.deny(ctx, r, audit.Anonymous, ErrInternal.withCause(err), "rate_limit_error")
		}
	}

	raw := a.extractToken(r)
	if raw == "" {
		return nil, nil, a.deny(ctx, r, audit.Anonymous, ErrMissingToken, "no_token")
	}

	claims, err := a.signer.Parse(raw)
	if err != nil {
		return nil, nil, a.deny(ctx, r, audit.Anonymous, ErrInvalidToken.withCause(err), "verification_failed")
	}
	actor := strconv.FormatInt(claims.Sub, 10)

	if a.denylist != nil {
		revoked, err := a.denylist.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, nil, a.deny(ctx, r, actor, ErrInternal.withCause(err), "denylist_error")
		}
		if revoked {
			return nil, nil, a.deny(ctx, r, actor, ErrInvalidToken, "revoked")
		}
	}

	subj, err := a.subjects.FindSubject(ctx, claims.Sub)
	if err != nil {
		return nil, nil, a.deny(ctx, r, actor, ErrInternal.withCause(err), "subject_lookup_error")
	}
	if subj == nil {
		// Same answer as a bad token so ids cannot be enumerated.
		return nil, nil, a.deny(ctx, r, actor, ErrInvalidToken, "subject_not_found")
	}

	if opts.RequireActive && !subj.IsActive {
		return nil, nil, a.deny(ctx, r, actor, ErrAccountInactive, "inactive")
	}
	if opts.RequireVerification && !subj.IsVerified {
		return nil, nil, a.deny(ctx, r, actor, ErrAccountUnverified, "unverified")
	}

	via := "role"
	if len(opts.AllowedRoles) > 0 && !slices.Contains(opts.AllowedRoles, subj.Role) {
		if ownerID == nil || *ownerID != subj.ID {
			return nil, nil, a.deny(ctx, r, actor, ErrForbidden, "role_not_allowed")
		}
		via = "ownership"
	}

	metrics.AuthDecisions.WithLabelValues("OK").Inc()
	a.audit.LogAuth(ctx, actor, "authenticated", audit.OutcomeSuccess, map[string]any{
		"role":   subj.Role.String(),
		"path":   r.URL.Path,
		"method": r.Method,
		"via":    via,
	})
	return subj, claims, nil
}

func (a *Authenticator) deny(ctx context.Context, r *http.Request, actor string, e *AuthError, reason string) error {
	metrics.AuthDecisions.WithLabelValues(e.Code).Inc()
	if e.Code == CodeInternalError {
		logger.ErrorContext(ctx, "Authentication dependency failure", "error", e.cause, "reason", reason)
		a.audit.LogSecurity(ctx, actor, "authentication_error", audit.SeverityCritical, map[string]any{
			"reason": reason,
			"path":   r.URL.Path,
		})
		return e
	}
	a.audit.LogAuth(ctx, actor, "denied", audit.OutcomeFailure, map[string]any{
		"error_code": e.Code,
		"reason":     reason,
		"path":       r.URL.Path,
		"method":     r.Method,
	})
	return e
}

func (a *Authenticator) extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(a.cookieName); err == nil {
		return c.Value
	}
	return ""
}

// Require rejects requests failing opts and stores the subject and claims
// in the request context otherwise.
func (a *Authenticator) Require(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subj, claims, err := a.authenticate(r, opts, nil)
			if err != nil {
				response.WriteErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), subj, claims)))
		})
	}
}

// RequireOwner is Require with the ownership exception. owner extracts the
// id of the subject owning the addressed resource; ok=false is a bad request.
func (a *Authenticator) RequireOwner(opts Options, owner func(*http.Request) (int64, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := owner(r)
			if !ok {
				metrics.AuthDecisions.WithLabelValues(response.CodeInvalidInput).Inc()
				a.audit.LogAuth(audit.WithRequest(r.Context(), r), audit.Anonymous, "denied", audit.OutcomeFailure, map[string]any{
					"error_code": response.CodeInvalidInput,
					"reason":     "bad_resource_id",
					"path":       r.URL.Path,
					"method":     r.Method,
				})
				response.BadRequest(w, "Invalid resource id")
				return
			}
			subj, claims, err := a.authenticate(r, opts, &id)
			if err != nil {
				response.WriteErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), subj, claims)))
		})
	}
}

func withPrincipal(ctx context.Context, s *Subject, c *Claims) context.Context {
	ctx = WithSubject(ctx, s, c)
	return context.WithValue(ctx, logger.UserIDKey, strconv.FormatInt(s.ID, 10))
}

// AuthorizeRoleAssignment checks that actor may give role to targetID.
func (a *Authenticator) AuthorizeRoleAssignment(ctx context.Context, actor *Subject, targetID int64, role Role) error {
	actorID := strconv.FormatInt(actor.ID, 10)

	target, err := a.subjects.FindSubject(ctx, targetID)
	if err != nil {
		logger.ErrorContext(ctx, "Role assignment lookup failed", "error", err, "target_id", targetID)
		return ErrInternal.withCause(err)
	}
	if target == nil {
		return ErrSubjectNotFound
	}

	details := map[string]any{
		"target_id":    targetID,
		"actor_role":   actor.Role.String(),
		"current_role": target.Role.String(),
		"role":         role.String(),
	}
	if !CanAssign(actor.Role, role) || !CanManage(actor.Role, target.Role) {
		metrics.AuthDecisions.WithLabelValues(CodeForbidden).Inc()
		a.audit.LogSecurity(ctx, actorID, "role_escalation_denied", audit.SeverityHigh, details)
		return ErrForbidden
	}
	a.audit.LogAuth(ctx, actorID, "role_assignment_authorized", audit.OutcomeSuccess, details)
	return nil
}

// Revoke denylists the token behind claims until it expires. Without a
// configured denylist it is a no-op.
func (a *Authenticator) Revoke(ctx context.Context, claims *Claims) error {
	if a.denylist == nil || claims == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	if err := a.denylist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return err
	}
	a.audit.LogAuth(ctx, strconv.FormatInt(claims.Sub, 10), "token_revoked", audit.OutcomeSuccess, nil)
	return nil
}
