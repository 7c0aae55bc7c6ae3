package realtime

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the platform auth token. Payment creation bodies need the caller's
// pubkey and alias; the token is issued and refreshed elsewhere, this layer
// only reads it.

type AuthClaims struct {
	Pubkey string
	Alias  string
	Scope  string
}

func ParseAuthClaimsUnverified(token string) (*AuthClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	authClaims := &AuthClaims{}
	if pubkey, ok := claims["pubkey"].(string); ok {
		authClaims.Pubkey = pubkey
	}
	if alias, ok := claims["alias"].(string); ok {
		authClaims.Alias = alias
	}
	if scope, ok := claims["scope"].(string); ok {
		authClaims.Scope = scope
	}

	return authClaims, nil
}
