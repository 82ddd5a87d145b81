// File: gate/gate_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package gate

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPFilterDisabledAllowsAll(t *testing.T) {
	f, err := NewIPFilter(false, nil)
	require.NoError(t, err)
	assert.Equal(t, IPAllowed, f.Check("203.0.113.9"))
}

func TestIPFilterEmptyListDeniesAll(t *testing.T) {
	f, err := NewIPFilter(true, nil)
	require.NoError(t, err)
	assert.Equal(t, IPDenied, f.Check("127.0.0.1"))
}

func TestIPFilterLiteralAndCIDR(t *testing.T) {
	f, err := NewIPFilter(true, []string{"127.0.0.1", "10.0.0.0/8", "2001:db8::/32"})
	require.NoError(t, err)
	assert.Equal(t, IPAllowed, f.Check("127.0.0.1"))
	assert.Equal(t, IPAllowed, f.Check("10.42.1.2"))
	assert.Equal(t, IPAllowed, f.Check("2001:db8::1"))
	assert.Equal(t, IPDenied, f.Check("192.168.1.1"))
	assert.Equal(t, IPInvalid, f.Check("not-an-ip"))
}

func TestIPFilterRejectsBadEntry(t *testing.T) {
	_, err := NewIPFilter(true, []string{"999.1.1.1"})
	assert.Error(t, err)
}

func TestRateLimiterWindowLaw(t *testing.T) {
	rl := NewRateLimiter(true, 2, 1, 0)
	base := time.Unix(1000, 0)
	now := base
	rl.SetClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		d := rl.Check("1.2.3.4")
		require.True(t, d.Allowed, "request %d", i)
		rl.Record("1.2.3.4")
	}
	d := rl.Check("1.2.3.4")
	assert.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfterSeconds, 1)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, 0, d.Remaining)

	// Another client is unaffected.
	assert.True(t, rl.Check("4.3.2.1").Allowed)

	// Window slides: a second later the first slot frees up.
	now = base.Add(1100 * time.Millisecond)
	assert.True(t, rl.Check("1.2.3.4").Allowed)
}

func TestRateLimiterDenialConsumesNothing(t *testing.T) {
	rl := NewRateLimiter(true, 1, 60, 0)
	now := time.Unix(2000, 0)
	rl.SetClock(func() time.Time { return now })

	require.True(t, rl.Check("ip").Allowed)
	rl.Record("ip")
	for i := 0; i < 5; i++ {
		assert.False(t, rl.Check("ip").Allowed)
	}
	// After the window, a single slot is available again; the denied
	// checks above must not have consumed it.
	now = now.Add(61 * time.Second)
	assert.True(t, rl.Check("ip").Allowed)
}

func TestRateLimiterGC(t *testing.T) {
	rl := NewRateLimiter(true, 10, 1, 0)
	now := time.Unix(3000, 0)
	rl.SetClock(func() time.Time { return now })
	rl.Record("a")
	rl.Record("b")

	now = now.Add(3 * time.Second)
	assert.Equal(t, 2, rl.GC())
	// Re-running inside the same window does nothing.
	assert.Equal(t, 0, rl.GC())
}

func TestBearerTokenAuth(t *testing.T) {
	a := NewTokenAuthenticator("s3cret")

	_, err := a.Authenticate("")
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = a.Authenticate("Bearer wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Authenticate("Bearer s3cret")
	assert.NoError(t, err)

	// Case-insensitive scheme.
	_, err = a.Authenticate("bearer s3cret")
	assert.NoError(t, err)
}

func TestConstantTimeEqualLengths(t *testing.T) {
	assert.True(t, constantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, constantTimeEqual([]byte("abc"), []byte("abcd")))
	assert.False(t, constantTimeEqual([]byte(""), []byte("a")))
	assert.True(t, constantTimeEqual(nil, nil))
}

func writeJWTKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	return path, key
}

func signJWT(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return raw
}

func TestJWTAuthValidToken(t *testing.T) {
	path, key := writeJWTKey(t)
	a, err := NewJWTAuthenticator(path, "RS256", "issuer-1", "", 60, true)
	require.NoError(t, err)

	raw := signJWT(t, key, jwt.MapClaims{
		"iss":       "issuer-1",
		"sub":       "user-9",
		"scope":     "tools",
		"client_id": "cli-1",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	claims, err := a.Authenticate("Bearer " + raw)
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.Subject)
	assert.Equal(t, "tools", claims.Scope)
	assert.Equal(t, "cli-1", claims.ClientID)
}

func TestJWTAuthRejections(t *testing.T) {
	path, key := writeJWTKey(t)
	a, err := NewJWTAuthenticator(path, "RS256", "issuer-1", "aud-1", 0, true)
	require.NoError(t, err)

	cases := map[string]jwt.MapClaims{
		"expired":       {"iss": "issuer-1", "aud": "aud-1", "exp": time.Now().Add(-time.Hour).Unix()},
		"missing exp":   {"iss": "issuer-1", "aud": "aud-1"},
		"wrong issuer":  {"iss": "other", "aud": "aud-1", "exp": time.Now().Add(time.Hour).Unix()},
		"wrong aud":     {"iss": "issuer-1", "aud": "nope", "exp": time.Now().Add(time.Hour).Unix()},
		"not yet valid": {"iss": "issuer-1", "aud": "aud-1", "nbf": time.Now().Add(time.Hour).Unix(), "exp": time.Now().Add(2 * time.Hour).Unix()},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate("Bearer " + signJWT(t, key, claims))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTAuthRejectsForeignKey(t *testing.T) {
	path, _ := writeJWTKey(t)
	_, otherKey := writeJWTKey(t)
	a, err := NewJWTAuthenticator(path, "RS256", "", "", 60, false)
	require.NoError(t, err)

	raw := signJWT(t, otherKey, jwt.MapClaims{"sub": "x"})
	_, err = a.Authenticate("Bearer " + raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
