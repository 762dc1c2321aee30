package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkhaven/inkhaven/pkg/auth"
)

const testSecret = "test-secret-key"

func TestIssueAndVerifyToken(t *testing.T) {
	token, err := auth.IssueToken(testSecret, "user-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := auth.VerifyToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t,
		time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestIssueToken_Validation(t *testing.T) {
	_, err := auth.IssueToken(testSecret, "", time.Hour)
	assert.Error(t, err)

	_, err = auth.IssueToken(testSecret, "user-1", 0)
	assert.Error(t, err)
}

func TestVerifyToken_Rejections(t *testing.T) {
	token, err := auth.IssueToken(testSecret, "user-1", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{name: "empty token", secret: testSecret, token: ""},
		{name: "garbage token", secret: testSecret, token: "not.a.jwt"},
		{name: "wrong secret", secret: "other-secret", token: token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.VerifyToken(tt.secret, tt.token)
			assert.ErrorIs(t, err, auth.ErrTokenInvalid)
		})
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	token, err := auth.IssueToken(testSecret, "user-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = auth.VerifyToken(testSecret, token)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestHashToken(t *testing.T) {
	a := auth.HashToken("token-a")
	b := auth.HashToken("token-b")

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, auth.HashToken("token-a"))
	assert.Len(t, a, 64)
	assert.NotContains(t, a, "token-a")
}
