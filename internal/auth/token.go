package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issue creates a signed HS256 token for the given identity. The onboarding
// service is the normal issuer; this helper exists for tooling and tests.
func Issue(secret, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "kindline",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
