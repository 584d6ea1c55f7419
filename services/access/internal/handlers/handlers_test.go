package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/diagnosis/labbooking/pkg/audit"
	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/pkg/config"
	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/otp"
	"github.com/diagnosis/labbooking/pkg/ratelimit"
	"github.com/diagnosis/labbooking/pkg/response"
	"github.com/diagnosis/labbooking/services/access/internal/domain"
	"github.com/diagnosis/labbooking/services/access/internal/handlers"
	"github.com/diagnosis/labbooking/services/access/internal/repository"
	"github.com/diagnosis/labbooking/services/access/internal/service"
)

func TestMain(m *testing.M) {
	logger.Discard()
	m.Run()
}

var fastParams = &argon2id.Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

// ---------- Mocks ----------

type mockSender struct {
	mu   sync.Mutex
	last map[string]string
}

func (m *mockSender) Send(_ context.Context, msg otp.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = make(map[string]string)
	}
	m.last[msg.Destination] = msg.Code
	return nil
}

func (m *mockSender) codeFor(t *testing.T, email string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	code := m.last[email]
	if code == "" {
		t.Fatalf("no code sent to %s", email)
	}
	return code
}

// ---------- Test server ----------

type testServer struct {
	*httptest.Server
	users  *repository.MemoryUserRepository
	sender *mockSender
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	users := repository.NewMemoryUserRepository()
	sender := &mockSender{}
	dir := repository.Directory{Users: users}
	auditLog := audit.New(audit.SinkFunc(func(context.Context, audit.Event) error { return nil }))

	codes, err := otp.NewService(otp.NewMemoryStore(), sender, dir, auditLog, otp.Config{HashCost: bcrypt.MinCost})
	require.NoError(t, err)
	signer, err := auth.NewSigner("test-secret", "HS256", "labbooking", "labbooking-api", 15*time.Minute)
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), config.DefaultRateLimits())
	authn := auth.NewAuthenticator(signer, dir, auditLog,
		auth.WithLimiter(limiter),
		auth.WithDenylist(auth.NewMemoryDenylist()),
	)
	svc, err := service.NewAuthService(users, codes, signer, authn, auditLog, fastParams)
	require.NoError(t, err)

	h := handlers.New(svc, authn, limiter, config.AuthConfig{CookieSecure: true})
	r := chi.NewRouter()
	r.Mount("/v1/auth", h.AuthRoutes())
	r.Mount("/v1/admin", h.AdminRoutes())
	r.Mount("/v1/users", h.UserRoutes())

	ts := &testServer{Server: httptest.NewServer(r), users: users, sender: sender}
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) put(t *testing.T, email string, role auth.Role) *domain.User {
	t.Helper()
	hash, err := argon2id.CreateHash("correct-horse", fastParams)
	require.NoError(t, err)
	return ts.users.Put(&domain.User{Role: role, Email: email, PasswordHash: hash, Name: "Test", IsVerified: true, IsActive: true})
}

func (ts *testServer) login(t *testing.T, email string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": "correct-horse"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out domain.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.AccessToken
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var out response.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Code
}

// ---------- Tests ----------

func TestLogin_SixthAttemptIsRateLimited(t *testing.T) {
	ts := setupTestServer(t)
	ts.put(t, "pat@example.com", auth.RolePatient)

	bad := map[string]string{"email": "pat@example.com", "password": "wrong-horse"}
	for i := 0; i < 5; i++ {
		resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", bad)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
		assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, resp))
	}

	resp := ts.do(t, http.MethodPost, "/v1/auth/login", "", bad)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "900", resp.Header.Get("Retry-After"))
	assert.Equal(t, ratelimit.CodeRateLimitExceeded, errorCode(t, resp))

	// The block holds even with the right password.
	resp = ts.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "pat@example.com", "password": "correct-horse"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterVerifyLoginLogout(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email": "new@example.com", "password": "correct-horse", "name": "New Patient",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "new@example.com", "password": "correct-horse"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.CodeAccountUnverified, errorCode(t, resp))

	resp = ts.do(t, http.MethodPost, "/v1/auth/verify-email", "", map[string]string{
		"email": "new@example.com", "code": ts.sender.codeFor(t, "new@example.com"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "new@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.DefaultCookieName {
			session = c
		}
	}
	resp.Body.Close()
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)
	assert.True(t, session.Secure)
	assert.Equal(t, http.SameSiteLaxMode, session.SameSite)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/auth/me", nil)
	req.AddCookie(session)
	me, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var info domain.UserInfo
	require.NoError(t, json.NewDecoder(me.Body).Decode(&info))
	me.Body.Close()
	assert.Equal(t, http.StatusOK, me.StatusCode)
	assert.Equal(t, "new@example.com", info.Email)

	resp = ts.do(t, http.MethodPost, "/v1/auth/logout", session.Value, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v1/auth/me", session.Value, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.CodeInvalidToken, errorCode(t, resp))
}

func TestMe_RequiresToken(t *testing.T) {
	ts := setupTestServer(t)
	resp := ts.do(t, http.MethodGet, "/v1/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.CodeMissingToken, errorCode(t, resp))
}

func TestCodeRequests_AreGeneric(t *testing.T) {
	ts := setupTestServer(t)
	ts.put(t, "pat@example.com", auth.RolePatient)

	for _, path := range []string{"/v1/auth/password-reset/request", "/v1/auth/login/code"} {
		for _, email := range []string{"pat@example.com", "ghost@example.com"} {
			resp := ts.do(t, http.MethodPost, path, "", map[string]string{"email": email})
			assert.Equal(t, http.StatusAccepted, resp.StatusCode, "%s %s", path, email)
			resp.Body.Close()
		}
	}

	resp := ts.do(t, http.MethodPost, "/v1/auth/password-reset/request", "", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// A resend inside the cooldown reads like one for an unknown address.
	resp = ts.do(t, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email": "new@example.com", "password": "correct-horse", "name": "New Patient",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var bodies []string
	for _, email := range []string{"new@example.com", "ghost@example.com"} {
		resp := ts.do(t, http.MethodPost, "/v1/auth/resend-verification", "", map[string]string{"email": email})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, email)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		bodies = append(bodies, string(b))
	}
	assert.Equal(t, bodies[0], bodies[1])
}

func TestPasswordResetConfirm(t *testing.T) {
	ts := setupTestServer(t)
	ts.put(t, "pat@example.com", auth.RolePatient)

	resp := ts.do(t, http.MethodPost, "/v1/auth/password-reset/request", "", map[string]string{"email": "pat@example.com"})
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/auth/password-reset/confirm", "", map[string]string{
		"email": "pat@example.com", "code": "12", "new_password": "brand-new-password",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_CODE", errorCode(t, resp))

	resp = ts.do(t, http.MethodPost, "/v1/auth/password-reset/confirm", "", map[string]string{
		"email": "pat@example.com", "code": ts.sender.codeFor(t, "pat@example.com"), "new_password": "brand-new-password",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestInvalidJSON(t *testing.T) {
	ts := setupTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/auth/register", bytes.NewBufferString("{"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, response.CodeInvalidInput, errorCode(t, resp))
}

func TestAdminRoleAssignment(t *testing.T) {
	ts := setupTestServer(t)
	patient := ts.put(t, "pat@example.com", auth.RolePatient)
	ts.put(t, "center@example.com", auth.RoleCenterAdmin)
	ts.put(t, "root@example.com", auth.RolePlatformAdmin)
	path := "/v1/admin/users/" + strconv.FormatInt(patient.ID, 10) + "/role"

	resp := ts.do(t, http.MethodPost, path, ts.login(t, "pat@example.com"), map[string]string{"role": "platform_admin"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, path, ts.login(t, "center@example.com"), map[string]string{"role": "center_admin"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	root := ts.login(t, "root@example.com")
	resp = ts.do(t, http.MethodPost, path, root, map[string]string{"role": "wizard"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, path, root, map[string]string{"role": "center_admin"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info domain.UserInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, auth.RoleCenterAdmin, info.Role)
}

func TestGetUser_OwnerOrAdmin(t *testing.T) {
	ts := setupTestServer(t)
	pat := ts.put(t, "pat@example.com", auth.RolePatient)
	other := ts.put(t, "other@example.com", auth.RolePatient)
	ts.put(t, "center@example.com", auth.RoleCenterAdmin)

	patToken := ts.login(t, "pat@example.com")

	resp := ts.do(t, http.MethodGet, "/v1/users/"+strconv.FormatInt(pat.ID, 10), patToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v1/users/"+strconv.FormatInt(other.ID, 10), patToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v1/users/"+strconv.FormatInt(other.ID, 10), ts.login(t, "center@example.com"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v1/users/abc", patToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
