package accounts

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims embeds the session's jti (the opaque Session.Token of §3) plus
// the account id. TouchSession still looks up both the session row (by jti)
// and the account before trusting a token.
type tokenClaims struct {
	jwt.RegisteredClaims
	AccountID string `json:"accountId"`
}

func (s *Store) issueToken(accountID, jti string, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		AccountID: accountID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// parseToken validates signature and expiry and returns (accountID, jti).
func (s *Store) parseToken(tokenStr string) (accountID, jti string, err error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.AccountID, claims.ID, nil
}
