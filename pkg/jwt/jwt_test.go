package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	raw, err := GenerateToken("secret", "ops", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken("secret", raw)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestParseToken_WrongSecret(t *testing.T) {
	raw, err := GenerateToken("secret", "ops", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken("other", raw)
	assert.Error(t, err)
}

func TestParseToken_Expired(t *testing.T) {
	raw, err := GenerateToken("secret", "ops", -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken("secret", raw)
	assert.Error(t, err)
}

func TestGenerateToken_EmptySecret(t *testing.T) {
	_, err := GenerateToken("", "ops", time.Hour)
	assert.Error(t, err)
}
