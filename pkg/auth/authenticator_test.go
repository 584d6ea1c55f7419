package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/labbooking/pkg/audit"
	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/ratelimit"
)

func TestMain(m *testing.M) {
	logger.Discard()
	m.Run()
}

type subjects struct {
	mu  sync.Mutex
	m   map[int64]*auth.Subject
	err error
}

func (s *subjects) FindSubject(_ context.Context, id int64) (*auth.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if subj, ok := s.m[id]; ok {
		cp := *subj
		return &cp, nil
	}
	return nil, nil
}

type events struct {
	mu  sync.Mutex
	all []audit.Event
}

func (e *events) Write(_ context.Context, ev audit.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
	return nil
}

func (e *events) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.all)
}

func (e *events) last() audit.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.all[len(e.all)-1]
}

type env struct {
	now    time.Time
	signer *auth.Signer
	store  *subjects
	events *events
	authn  *auth.Authenticator
}

func newEnv(t *testing.T, opts ...auth.Option) *env {
	t.Helper()
	e := &env{
		now:    time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		events: &events{},
		store: &subjects{m: map[int64]*auth.Subject{
			1: {ID: 1, Email: "pat@example.com", Role: auth.RolePatient, IsActive: true, IsVerified: true},
			2: {ID: 2, Email: "new@example.com", Role: auth.RolePatient},
			3: {ID: 3, Email: "center@example.com", Role: auth.RoleCenterAdmin, IsActive: true, IsVerified: true},
			4: {ID: 4, Email: "root@example.com", Role: auth.RolePlatformAdmin, IsActive: true, IsVerified: true},
			5: {ID: 5, Email: "other@example.com", Role: auth.RolePatient, IsActive: true, IsVerified: true},
		}},
	}
	var err error
	e.signer, err = auth.NewSigner("test-secret", "HS256", "labbooking", "labbooking-api", 15*time.Minute,
		auth.WithSignerClock(func() time.Time { return e.now }))
	require.NoError(t, err)
	e.authn = auth.NewAuthenticator(e.signer, e.store, audit.New(e.events), opts...)
	return e
}

func (e *env) token(t *testing.T, id int64) (string, *auth.Claims) {
	t.Helper()
	subj, err := e.store.FindSubject(context.Background(), id)
	require.NoError(t, err)
	tok, claims, err := e.signer.Issue(subj)
	require.NoError(t, err)
	return tok, claims
}

func bearer(tok string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	return r
}

func requireCode(t *testing.T, err error, code string, status int) {
	t.Helper()
	var aErr *auth.AuthError
	require.ErrorAs(t, err, &aErr)
	assert.Equal(t, code, aErr.Code)
	assert.Equal(t, status, aErr.StatusCode)
}

func TestAuthenticate_DenialChain(t *testing.T) {
	e := newEnv(t)

	t.Run("expired token", func(t *testing.T) {
		tok, _ := e.token(t, 1)
		e.now = e.now.Add(16 * time.Minute)
		defer func() { e.now = e.now.Add(-16 * time.Minute) }()

		_, err := e.authn.Authenticate(bearer(tok), auth.Options{})
		requireCode(t, err, auth.CodeInvalidToken, http.StatusUnauthorized)
	})

	t.Run("inactive account", func(t *testing.T) {
		tok, _ := e.token(t, 2)
		_, err := e.authn.Authenticate(bearer(tok), auth.Options{RequireActive: true})
		requireCode(t, err, auth.CodeAccountInactive, http.StatusUnauthorized)
	})

	t.Run("unverified account", func(t *testing.T) {
		tok, _ := e.token(t, 2)
		_, err := e.authn.Authenticate(bearer(tok), auth.Options{RequireVerification: true})
		requireCode(t, err, auth.CodeAccountUnverified, http.StatusUnauthorized)
	})

	t.Run("role not allowed", func(t *testing.T) {
		tok, _ := e.token(t, 1)
		_, err := e.authn.Authenticate(bearer(tok), auth.Options{
			RequireActive:       true,
			RequireVerification: true,
			AllowedRoles:        []auth.Role{auth.RolePlatformAdmin},
		})
		requireCode(t, err, auth.CodeForbidden, http.StatusForbidden)
	})

	t.Run("allowed", func(t *testing.T) {
		tok, _ := e.token(t, 4)
		subj, err := e.authn.Authenticate(bearer(tok), auth.Options{
			RequireActive: true,
			AllowedRoles:  []auth.Role{auth.RolePlatformAdmin},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(4), subj.ID)
	})
}

func TestAuthenticate_OneAuditEventPerDecision(t *testing.T) {
	e := newEnv(t)
	good, _ := e.token(t, 1)

	cases := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/", nil),
		bearer("not-a-jwt"),
		bearer(good),
	}
	for i, r := range cases {
		before := e.events.count()
		_, _ = e.authn.Authenticate(r, auth.Options{})
		assert.Equal(t, before+1, e.events.count(), "case %d", i)
	}

	assert.Equal(t, "auth.authenticated", e.events.last().Action)
	assert.Equal(t, "1", e.events.last().ActorID)
}

func TestAuthenticate_MissingTokenAndCookieFallback(t *testing.T) {
	e := newEnv(t)

	_, err := e.authn.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil), auth.Options{})
	requireCode(t, err, auth.CodeMissingToken, http.StatusUnauthorized)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	_, err = e.authn.Authenticate(r, auth.Options{})
	requireCode(t, err, auth.CodeMissingToken, http.StatusUnauthorized)

	tok, _ := e.token(t, 1)
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: auth.DefaultCookieName, Value: tok})
	subj, err := e.authn.Authenticate(r, auth.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), subj.ID)
}

func TestAuthenticate_UnknownSubjectLooksLikeBadToken(t *testing.T) {
	e := newEnv(t)
	tok, _, err := e.signer.Issue(&auth.Subject{ID: 99, Email: "gone@example.com", Role: auth.RolePatient})
	require.NoError(t, err)

	_, err = e.authn.Authenticate(bearer(tok), auth.Options{})
	requireCode(t, err, auth.CodeInvalidToken, http.StatusUnauthorized)
}

func TestAuthenticate_StoreFailureIsInternal(t *testing.T) {
	e := newEnv(t)
	tok, _ := e.token(t, 1)
	e.store.err = errors.New("dial tcp 10.0.0.5:5432: connection refused")

	_, err := e.authn.Authenticate(bearer(tok), auth.Options{})
	requireCode(t, err, auth.CodeInternalError, http.StatusInternalServerError)

	var aErr *auth.AuthError
	require.ErrorAs(t, err, &aErr)
	assert.NotContains(t, aErr.PublicMessage(), "10.0.0.5")
	assert.Equal(t, audit.SeverityCritical, e.events.last().Severity)
}

func TestAuthenticateOwner(t *testing.T) {
	e := newEnv(t)
	opts := auth.Options{AllowedRoles: []auth.Role{auth.RoleCenterAdmin, auth.RolePlatformAdmin}}

	patient, _ := e.token(t, 1)
	subj, err := e.authn.AuthenticateOwner(bearer(patient), opts, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), subj.ID)
	assert.Equal(t, "ownership", e.events.last().Details["via"])

	_, err = e.authn.AuthenticateOwner(bearer(patient), opts, 5)
	requireCode(t, err, auth.CodeForbidden, http.StatusForbidden)

	admin, _ := e.token(t, 3)
	_, err = e.authn.AuthenticateOwner(bearer(admin), opts, 5)
	assert.NoError(t, err)
}

func TestAuthenticate_RateLimitRunsFirst(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), map[string]ratelimit.Class{
		"api": {Window: time.Minute, Max: 2},
	})
	e := newEnv(t, auth.WithLimiter(limiter))
	opts := auth.Options{RateLimitClass: "api"}

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "203.0.113.9:4444"
		_, err := e.authn.Authenticate(r, opts)
		requireCode(t, err, auth.CodeMissingToken, http.StatusUnauthorized)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:4444"
	_, err := e.authn.Authenticate(r, opts)
	assert.ErrorIs(t, err, ratelimit.ErrLimitExceeded)
	assert.Equal(t, "security.rate_limited", e.events.last().Action)
}

func TestAuthenticate_RevokedToken(t *testing.T) {
	e := newEnv(t, auth.WithDenylist(auth.NewMemoryDenylist()))
	tok, claims := e.token(t, 1)

	_, err := e.authn.Authenticate(bearer(tok), auth.Options{})
	require.NoError(t, err)

	require.NoError(t, e.authn.Revoke(context.Background(), claims))
	_, err = e.authn.Authenticate(bearer(tok), auth.Options{})
	requireCode(t, err, auth.CodeInvalidToken, http.StatusUnauthorized)
}

func TestRequire_WritesErrorAndPassesSubject(t *testing.T) {
	e := newEnv(t)
	h := e.authn.Require(auth.Options{RequireActive: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subj := auth.SubjectFrom(r.Context())
		require.NotNil(t, subj)
		require.NotNil(t, auth.ClaimsFrom(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), auth.CodeMissingToken)

	tok, _ := e.token(t, 1)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, bearer(tok))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequireOwner_BadResourceIDIsAudited(t *testing.T) {
	e := newEnv(t)
	h := e.authn.RequireOwner(auth.Options{}, func(*http.Request) (int64, bool) { return 0, false })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		}))

	tok, _ := e.token(t, 1)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, bearer(tok))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 1, e.events.count())
	ev := e.events.last()
	assert.Equal(t, "auth.denied", ev.Action)
	assert.Equal(t, audit.OutcomeFailure, ev.Outcome)
	assert.Equal(t, "bad_resource_id", ev.Details["reason"])
	assert.Equal(t, "INVALID_INPUT", ev.Details["error_code"])
}

func TestAuthorizeRoleAssignment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	center, _ := e.store.FindSubject(ctx, 3)
	root, _ := e.store.FindSubject(ctx, 4)

	err := e.authn.AuthorizeRoleAssignment(ctx, center, 1, auth.RolePlatformAdmin)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	assert.Equal(t, "security.role_escalation_denied", e.events.last().Action)

	err = e.authn.AuthorizeRoleAssignment(ctx, center, 1, auth.RoleCenterAdmin)
	assert.ErrorIs(t, err, auth.ErrForbidden, "peer rank is not grantable")

	err = e.authn.AuthorizeRoleAssignment(ctx, center, 4, auth.RolePatient)
	assert.ErrorIs(t, err, auth.ErrForbidden, "cannot demote a higher rank")

	assert.NoError(t, e.authn.AuthorizeRoleAssignment(ctx, root, 1, auth.RolePlatformAdmin))
	assert.NoError(t, e.authn.AuthorizeRoleAssignment(ctx, root, 3, auth.RolePatient))

	err = e.authn.AuthorizeRoleAssignment(ctx, root, 404, auth.RolePatient)
	assert.ErrorIs(t, err, auth.ErrSubjectNotFound)
}
