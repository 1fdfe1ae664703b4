package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func TestVerifyRoundTrip(t *testing.T) {
	req := require.New(t)

	token, err := Issue(testSecret, "u-1", "Alex@Example.com", time.Hour)
	req.NoError(err)

	id, err := NewVerifier(testSecret).Verify(token)
	req.NoError(err)
	req.Equal("u-1", id.UserID)
	// Email is normalized so ownership checks are case-insensitive.
	req.Equal("alex@example.com", id.Email)
}

func TestVerifyEmptyToken(t *testing.T) {
	_, err := NewVerifier(testSecret).Verify("")
	require.ErrorIs(t, err, ErrTokenRequired)
}

func TestVerifyWrongSecret(t *testing.T) {
	req := require.New(t)

	token, err := Issue("other-secret", "u-1", "a@b.c", time.Hour)
	req.NoError(err)

	_, err = NewVerifier(testSecret).Verify(token)
	req.ErrorIs(err, ErrTokenInvalid)
}

func TestVerifyExpired(t *testing.T) {
	req := require.New(t)

	token, err := Issue(testSecret, "u-1", "a@b.c", -time.Minute)
	req.NoError(err)

	_, err = NewVerifier(testSecret).Verify(token)
	req.ErrorIs(err, ErrTokenExpired)
}

func TestVerifyGarbage(t *testing.T) {
	_, err := NewVerifier(testSecret).Verify("not.a.jwt")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestFromAuthorizationHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "bearer", header: "Bearer abc123", want: "abc123"},
		{name: "lowercase scheme", header: "bearer abc123", want: "abc123"},
		{name: "missing", header: "", want: ""},
		{name: "wrong scheme", header: "Basic abc123", want: ""},
		{name: "scheme only", header: "Bearer ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FromAuthorizationHeader(tt.header))
		})
	}
}
