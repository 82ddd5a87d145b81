// File: gate/auth.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request authentication. Exactly one mode is active per process:
// constant-time bearer-token compare, or RS256/384/512 JWT verification
// with claim enforcement.

package gate

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("missing authorization token")
	ErrInvalidToken = errors.New("invalid authorization token")
)

// Claims carries the identity surfaced by a successful JWT check.
type Claims struct {
	Subject  string
	Scope    string
	ClientID string
}

// Authenticator validates the Authorization header of a request.
type Authenticator struct {
	mode string // "token" | "jwt"

	secret []byte

	pubKey     *rsa.PublicKey
	method     jwt.SigningMethod
	issuer     string
	audience   string
	skew       time.Duration
	requireExp bool
}

// NewTokenAuthenticator builds the bearer-token mode.
func NewTokenAuthenticator(secret string) *Authenticator {
	return &Authenticator{mode: "token", secret: []byte(secret)}
}

// NewJWTAuthenticator builds the JWT mode from a PEM public key file.
func NewJWTAuthenticator(publicKeyPath, algorithm, issuer, audience string, skewSeconds int, requireExp bool) (*Authenticator, error) {
	data, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading jwt public key: %w", err)
	}
	key, err := parseRSAPublicKey(data)
	if err != nil {
		return nil, err
	}
	var method jwt.SigningMethod
	switch algorithm {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "RS384":
		method = jwt.SigningMethodRS384
	case "RS512":
		method = jwt.SigningMethodRS512
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", algorithm)
	}
	return &Authenticator{
		mode:       "jwt",
		pubKey:     key,
		method:     method,
		issuer:     issuer,
		audience:   audience,
		skew:       time.Duration(skewSeconds) * time.Second,
		requireExp: requireExp,
	}, nil
}

func parseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("jwt public key: no PEM block found")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt public key: not an RSA key")
		}
		return key, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		if key, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return key, nil
		}
	}
	return nil, errors.New("jwt public key: unsupported PEM contents")
}

// Authenticate checks the raw Authorization header value. On success in
// JWT mode the surfaced claims are returned; token mode returns empty
// claims.
func (a *Authenticator) Authenticate(authorization string) (*Claims, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrNoToken
	}
	switch a.mode {
	case "token":
		if !constantTimeEqual([]byte(token), a.secret) {
			return nil, ErrInvalidToken
		}
		return &Claims{}, nil
	case "jwt":
		return a.verifyJWT(token)
	default:
		return nil, ErrInvalidToken
	}
}

// VerifyStatic is a constant-time compare against the configured secret,
// used by the panel verify endpoint in token mode.
func (a *Authenticator) VerifyStatic(token string) bool {
	return a.mode == "token" && constantTimeEqual([]byte(token), a.secret)
}

func (a *Authenticator) verifyJWT(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithLeeway(a.skew),
	}
	if a.requireExp {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	parsed, err := jwt.ParseWithClaims(raw, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		return a.pubKey, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims := parsed.Claims.(jwt.MapClaims)
	out := &Claims{}
	if sub, _ := claims.GetSubject(); sub != "" {
		out.Subject = sub
	}
	if scope, ok := claims["scope"].(string); ok {
		out.Scope = scope
	}
	if cid, ok := claims["client_id"].(string); ok {
		out.ClientID = cid
	}
	return out, nil
}

// bearerToken extracts the trailing token from "Bearer <t>".
func bearerToken(authorization string) (string, bool) {
	if authorization == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(prefix):])
	return token, token != ""
}

// constantTimeEqual is a length-independent XOR accumulate so the
// compare cost does not leak the secret length.
func constantTimeEqual(a, b []byte) bool {
	var acc byte
	if len(a) != len(b) {
		acc = 1
	}
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		acc |= x ^ y
	}
	return acc == 0
}
