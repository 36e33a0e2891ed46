package daemon

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sakuga/internal/config"
)

func TestVerifyTokenRoundTrip(t *testing.T) {
	token := signToken("alice", "secret", time.Now().Add(time.Hour))
	subject, err := verifyToken(token, "secret")
	require.NoError(t, err)
	require.Equal(t, "alice", subject)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	token := signToken("alice", "secret", time.Now().Add(time.Hour))
	_, err := verifyToken(token, "other")
	require.ErrorIs(t, err, errTokenSignature)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	token := signToken("alice", "secret", time.Now().Add(-time.Minute))
	_, err := verifyToken(token, "secret")
	require.ErrorIs(t, err, errTokenExpired)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "a.b", "not-a-token", "a.b.c"} {
		_, err := verifyToken(token, "secret")
		require.Error(t, err, token)
	}
}

func TestAuthorizeTrustedSubnetBypassesToken(t *testing.T) {
	auth, err := newAuthenticator(config.Auth{
		JWTSecret:     "secret",
		TrustedSubnet: "10.0.0.0/8",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.RemoteAddr = "10.1.2.3:41234"
	subject, err := auth.authorize(req)
	require.NoError(t, err)
	require.Equal(t, "trusted", subject)

	req.RemoteAddr = "192.168.1.5:41234"
	_, err = auth.authorize(req)
	require.Error(t, err)
}

func TestAuthorizeBearerToken(t *testing.T) {
	auth, err := newAuthenticator(config.Auth{JWTSecret: "secret"})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	req.Header.Set("Authorization", "Bearer "+signToken("bob", "secret", time.Time{}))
	subject, err := auth.authorize(req)
	require.NoError(t, err)
	require.Equal(t, "bob", subject)
}

func TestAuthorizeWithoutSecretIsOpen(t *testing.T) {
	auth, err := newAuthenticator(config.Auth{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/status", nil)
	subject, err := auth.authorize(req)
	require.NoError(t, err)
	require.Equal(t, "local", subject)
}

func TestAllowEnforcesPerSubjectLimit(t *testing.T) {
	auth, err := newAuthenticator(config.Auth{JWTSecret: "secret", RateLimitPerMinute: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.True(t, auth.allow("alice"))
	}
	require.False(t, auth.allow("alice"))
	// A different subject has its own bucket.
	require.True(t, auth.allow("bob"))
}

func TestNewAuthenticatorRejectsBadSubnet(t *testing.T) {
	_, err := newAuthenticator(config.Auth{TrustedSubnet: "not-a-subnet"})
	require.Error(t, err)
}
