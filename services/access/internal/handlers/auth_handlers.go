package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/pkg/response"
	"github.com/diagnosis/labbooking/services/access/internal/domain"
)

const codeSentMessage = "If the account exists, a code has been sent."

// Register handles user registration
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUserRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := h.authService.Register(r.Context(), &req)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}

	response.JSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Registration successful. Please check your email for a verification code.",
		"user":    user.ToUserInfo(),
	})
}

// Login handles password authentication
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}

	h.setSession(w, resp.AccessToken, time.Duration(resp.ExpiresIn)*time.Second)
	response.JSON(w, http.StatusOK, resp)
}

// VerifyEmail confirms an email verification code and activates the account
func (h *Handlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyCodeRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := h.authService.VerifyEmail(r.Context(), &req)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{
		"message": "Email verified successfully",
		"user":    user.ToUserInfo(),
	})
}

func (h *Handlers) ResendVerification(w http.ResponseWriter, r *http.Request) {
	h.requestCode(w, r, h.authService.ResendVerification)
}

func (h *Handlers) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.requestCode(w, r, h.authService.RequestPasswordReset)
}

func (h *Handlers) RequestLoginCode(w http.ResponseWriter, r *http.Request) {
	h.requestCode(w, r, h.authService.RequestLoginCode)
}

func (h *Handlers) requestCode(w http.ResponseWriter, r *http.Request, send func(ctx context.Context, email string) error) {
	var req domain.EmailRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if err := send(r.Context(), req.Email); err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]string{"message": codeSentMessage})
}

func (h *Handlers) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req domain.PasswordResetConfirmRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.authService.ConfirmPasswordReset(r.Context(), &req); err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

func (h *Handlers) LoginWithCode(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyCodeRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := h.authService.LoginWithCode(r.Context(), &req)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}

	h.setSession(w, resp.AccessToken, time.Duration(resp.ExpiresIn)*time.Second)
	response.JSON(w, http.StatusOK, resp)
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.authService.Logout(r.Context(), auth.ClaimsFrom(r.Context())); err != nil {
		response.WriteErr(w, r, err)
		return
	}
	h.clearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	subj := auth.SubjectFrom(r.Context())
	user, err := h.authService.GetUser(r.Context(), subj, subj.ID)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, user.ToUserInfo())
}
