package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/pkg/config"
	"github.com/diagnosis/labbooking/pkg/ratelimit"
	"github.com/diagnosis/labbooking/pkg/response"
	"github.com/diagnosis/labbooking/services/access/internal/service"
)

const maxBodyBytes = 1 << 20

var admins = []auth.Role{auth.RoleCenterAdmin, auth.RolePlatformAdmin}

type Handlers struct {
	authService service.AuthService
	authn       *auth.Authenticator
	limiter     *ratelimit.Limiter
	cookieName  string
	secure      bool
}

func New(authService service.AuthService, authn *auth.Authenticator, limiter *ratelimit.Limiter, cfg config.AuthConfig) *Handlers {
	return &Handlers{
		authService: authService,
		authn:       authn,
		limiter:     limiter,
		cookieName:  authn.CookieName(),
		secure:      cfg.CookieSecure,
	}
}

// AuthRoutes serves the unauthenticated account flows plus logout and me.
func (h *Handlers) AuthRoutes() chi.Router {
	r := chi.NewRouter()

	r.With(h.limit("register")).Post("/register", h.Register)
	r.With(h.limit("login")).Post("/login", h.Login)
	r.With(h.limit("otp_verify")).Post("/verify-email", h.VerifyEmail)
	r.With(h.limit("otp_request")).Post("/resend-verification", h.ResendVerification)

	r.With(h.limit("otp_request")).Post("/login/code", h.RequestLoginCode)
	r.With(h.limit("otp_verify")).Post("/login/code/verify", h.LoginWithCode)

	r.With(h.limit("password_reset")).Post("/password-reset/request", h.RequestPasswordReset)
	r.With(h.limit("otp_verify")).Post("/password-reset/confirm", h.ConfirmPasswordReset)

	r.With(h.authn.Require(auth.Options{})).Post("/logout", h.Logout)
	r.With(h.authn.Require(auth.Options{RequireActive: true, RateLimitClass: "api"})).Get("/me", h.Me)
	return r
}

// AdminRoutes requires an active, verified administrator.
func (h *Handlers) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.authn.Require(auth.Options{
		AllowedRoles:        admins,
		RequireActive:       true,
		RequireVerification: true,
		RateLimitClass:      "api",
	}))
	r.Post("/users/{id}/role", h.UpdateUserRole)
	return r
}

// UserRoutes lets a user read their own record and admins read any.
func (h *Handlers) UserRoutes() chi.Router {
	r := chi.NewRouter()
	owner := h.authn.RequireOwner(auth.Options{
		AllowedRoles:        admins,
		RequireActive:       true,
		RequireVerification: true,
		RateLimitClass:      "api",
	}, userIDParam)
	r.With(owner).Get("/{id}", h.GetUser)
	return r
}

func (h *Handlers) limit(class string) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(h.limiter, class, ratelimit.ByIP)
}

func userIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return false
	}
	return true
}

func (h *Handlers) setSession(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
