package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/pkg/otp"
	"github.com/diagnosis/labbooking/services/access/internal/domain"
	"github.com/diagnosis/labbooking/services/access/internal/repository"
)

func TestMemoryUserRepository_CreateRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryUserRepository()

	u, err := repo.Create(ctx, &domain.CreateUserRequest{Email: "pat@example.com", Name: "Pat"}, "hash")
	require.NoError(t, err)
	assert.Equal(t, auth.RolePatient, u.Role)
	assert.False(t, u.IsActive)
	assert.False(t, u.IsVerified)

	_, err = repo.Create(ctx, &domain.CreateUserRequest{Email: "PAT@example.com", Name: "Pat"}, "hash")
	assert.ErrorIs(t, err, repository.ErrEmailExists)
}

func TestMemoryUserRepository_UpdatesUnknownUser(t *testing.T) {
	repo := repository.NewMemoryUserRepository()
	assert.ErrorIs(t, repo.UpdateRole(context.Background(), 42, auth.RoleCenterAdmin), repository.ErrNotFound)
}

func TestDirectory_LookupAndActivate(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryUserRepository()
	u := repo.Put(&domain.User{Role: auth.RolePatient, Email: "pat@example.com", Phone: "+1 (555) 010-2000"})
	dir := repository.Directory{Users: repo}

	id, found, err := dir.LookupByDestination(ctx, otp.ChannelEmail, "pat@example.com")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, u.ID, id)

	id, found, err = dir.LookupByDestination(ctx, otp.ChannelSMS, "+15550102000")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, u.ID, id)

	_, found, err = dir.LookupByDestination(ctx, otp.ChannelEmail, "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = dir.LookupByDestination(ctx, otp.Channel("fax"), "x")
	assert.Error(t, err)

	require.NoError(t, dir.Activate(ctx, u.ID))
	s, err := dir.FindSubject(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, s.IsActive)
	assert.True(t, s.IsVerified)

	s, err = dir.FindSubject(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, s)
}
