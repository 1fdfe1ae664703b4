// Package auth verifies signed bearer tokens at connection handshake and on
// the HTTP history API. Verification happens exactly once per connection;
// the resulting identity travels with the connection for its lifetime.
package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors map onto the AUTH_* protocol codes.
var (
	ErrTokenRequired = errors.New("auth: token required")
	ErrTokenInvalid  = errors.New("auth: token invalid")
	ErrTokenExpired  = errors.New("auth: token expired")
)

// Identity is the verified subject of a bearer token. Email is lowercased
// at verification time so ownership comparisons are case-insensitive
// everywhere downstream.
type Identity struct {
	UserID string
	Email  string
}

// Claims is the JWT payload this service issues and accepts.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens with a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token string, returning the identity
// it carries. Expired tokens are distinguished from malformed or badly
// signed ones so callers can emit the right error code.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrTokenRequired
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrTokenInvalid
	}
	if claims.UserID == "" || claims.Email == "" {
		return Identity{}, ErrTokenInvalid
	}

	return Identity{
		UserID: claims.UserID,
		Email:  strings.ToLower(claims.Email),
	}, nil
}

// FromAuthorizationHeader extracts the bearer token from an Authorization
// header value. Returns an empty string when the header is absent or not a
// bearer scheme.
func FromAuthorizationHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
