package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseAuthClaimsUnverified(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"pubkey": "02abc",
		"alias":  "evan",
		"scope":  "payments",
	})
	tokenStr, err := token.SignedString([]byte("test-key"))
	assert.Equal(t, nil, err)

	claims, err := ParseAuthClaimsUnverified(tokenStr)
	assert.Equal(t, nil, err)
	assert.Equal(t, "02abc", claims.Pubkey)
	assert.Equal(t, "evan", claims.Alias)
	assert.Equal(t, "payments", claims.Scope)
}

func TestParseAuthClaimsBadToken(t *testing.T) {
	_, err := ParseAuthClaimsUnverified("not-a-token")
	assert.NotEqual(t, nil, err)
}
