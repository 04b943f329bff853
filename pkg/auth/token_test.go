package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return token
}

func TestSubjectFromToken(t *testing.T) {
	token := signed(t, jwt.MapClaims{
		"sub": "user_42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	sub, err := SubjectFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user_42", sub)

	sub, err = SubjectFromToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user_42", sub)
}

func TestSubjectFromToken_Errors(t *testing.T) {
	_, err := SubjectFromToken("")
	assert.Error(t, err)

	_, err = SubjectFromToken("not-a-token")
	assert.Error(t, err)

	_, err = SubjectFromToken(signed(t, jwt.MapClaims{"name": "x"}))
	assert.ErrorIs(t, err, errNoSubject)
}
