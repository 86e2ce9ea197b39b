package server_test

import (
	"testing"
	"time"

	"github.com/koopa0/system-design/14-like-counter/internal/server"
	apperrors "github.com/koopa0/system-design/14-like-counter/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttestor(t *testing.T) {
	attestor := server.NewAttestor("secret", time.Hour, []string{"site"})

	token, expiresAt, err := attestor.Issue("portfolio", "site")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := attestor.Verify(token, "portfolio")
	require.NoError(t, err)
	assert.Equal(t, "site", claims.SiteKey)
	assert.NotEmpty(t, claims.ID)

	tests := []struct {
		name    string
		token   string
		project string
	}{
		{name: "empty token", token: "", project: "portfolio"},
		{name: "other project", token: token, project: "elsewhere"},
		{name: "garbage", token: "not.a.token", project: "portfolio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := attestor.Verify(tt.token, tt.project)
			assert.True(t, apperrors.IsPermissionDenied(err), "got %v", err)
		})
	}
}

func TestAttestor_WrongSecret(t *testing.T) {
	token, _, err := server.NewAttestor("one", time.Hour, nil).Issue("portfolio", "any")
	require.NoError(t, err)

	_, err = server.NewAttestor("two", time.Hour, nil).Verify(token, "portfolio")
	assert.True(t, apperrors.IsPermissionDenied(err))
}

func TestAttestor_Expired(t *testing.T) {
	attestor := server.NewAttestor("secret", -time.Minute, nil)
	token, _, err := attestor.Issue("portfolio", "site")
	require.NoError(t, err)

	_, err = attestor.Verify(token, "portfolio")
	assert.True(t, apperrors.IsPermissionDenied(err))
}

func TestAttestor_NotConfigured(t *testing.T) {
	_, _, err := server.NewAttestor("", time.Hour, nil).Issue("portfolio", "site")
	assert.ErrorIs(t, err, apperrors.ErrFeatureDisabled)
}
