package handlers

import (
	"net/http"

	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/pkg/response"
	"github.com/diagnosis/labbooking/services/access/internal/domain"
)

// UpdateUserRole changes a user's role, subject to the escalation rules
func (h *Handlers) UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(r)
	if !ok {
		response.BadRequest(w, "Invalid user ID")
		return
	}

	var req domain.UpdateUserRoleRequest
	if !decode(w, r, &req) {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		response.BadRequest(w, "Unknown role")
		return
	}

	user, err := h.authService.AssignRole(r.Context(), auth.SubjectFrom(r.Context()), id, role)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, user.ToUserInfo())
}

// GetUser returns a user record to its owner or an admin
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id, _ := userIDParam(r)

	user, err := h.authService.GetUser(r.Context(), auth.SubjectFrom(r.Context()), id)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, user.ToUserInfo())
}
