package caller

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid_caller_token")

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken resolves a caller from an HS256 bearer token whose subject is the user id.
func ParseToken(secret, raw string) (User, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if secret == "" || raw == "" {
		return User{}, ErrInvalidToken
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return User{}, errors.Join(ErrInvalidToken, err)
	}

	id, err := snowflake.ParseString(claims.Subject)
	if err != nil || id == 0 {
		return User{}, ErrInvalidToken
	}
	return NewUser(id, claims.Role), nil
}

// IssueToken signs a caller token. Used by tooling and tests.
func IssueToken(secret string, u User, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = u.UserID.String()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{Role: u.UserRole, RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}
