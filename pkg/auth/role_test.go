package auth_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/labbooking/pkg/auth"
)

func TestCanAssign(t *testing.T) {
	tests := []struct {
		actor, role auth.Role
		want        bool
	}{
		{auth.RoleCenterAdmin, auth.RolePlatformAdmin, false},
		{auth.RoleCenterAdmin, auth.RoleCenterAdmin, false},
		{auth.RoleCenterAdmin, auth.RolePatient, true},
		{auth.RolePatient, auth.RolePatient, false},
		{auth.RolePatient, auth.RoleCenterAdmin, false},
		{auth.RolePlatformAdmin, auth.RolePlatformAdmin, true},
		{auth.RolePlatformAdmin, auth.RoleCenterAdmin, true},
		{auth.RolePlatformAdmin, auth.RolePatient, true},
		{auth.RolePlatformAdmin, auth.RoleUnknown, false},
		{auth.RoleUnknown, auth.RolePatient, false},
	}
	for _, tt := range tests {
		t.Run(tt.actor.String()+"->"+tt.role.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, auth.CanAssign(tt.actor, tt.role))
		})
	}
}

func TestRole_Text(t *testing.T) {
	r, err := auth.ParseRole("Center-Admin")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleCenterAdmin, r)

	_, err = auth.ParseRole("superuser")
	assert.Error(t, err)

	b, err := json.Marshal(struct {
		Role auth.Role `json:"role"`
	}{auth.RolePlatformAdmin})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"platform_admin"}`, string(b))

	var out struct {
		Role auth.Role `json:"role"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"role":"root"}`), &out))
}
