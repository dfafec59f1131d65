// Package auth verifies the optional JWT bearer token a scmp CONNECT
// may carry, binding a session to the client name the token carries.
// The token's groups claim is exposed through Claims.Authorized; the scmp
// handler does not consult it, so SUBSCRIBE is not limited by it.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload a CONNECT's credentials decode into.
type Claims struct {
	ClientName string   `json:"clientName"`
	Groups     []string `json:"groups"`
	jwt.RegisteredClaims
}

// Verifier validates CONNECT bearer tokens against a shared secret.
// There is no Generate counterpart here deliberately: scmaster is a
// relying party, not an issuer — tokens are minted by whatever system
// provisions client credentials, not by the broker itself.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier from the topology's configured secret.
// An empty secret disables authentication: Verify always returns
// ErrAuthDisabled, and CONNECT callers must treat that as "no claims to
// enforce" rather than a rejection.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// ErrAuthDisabled is returned by Verify when no secret was configured.
var ErrAuthDisabled = errors.New("auth: no secret configured")

// Verify parses and validates tokenString, checking the HMAC family and
// expiry, and returns the embedded claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}
	if claims.ClientName == "" {
		return nil, errors.New("auth: token missing clientName claim")
	}

	return claims, nil
}

// Authorized reports whether claims permits subscribing to groupName —
// an empty Groups list is treated as "all groups allowed", matching a
// token minted before per-group scoping existed.
func (c *Claims) Authorized(groupName string) bool {
	if len(c.Groups) == 0 {
		return true
	}
	for _, g := range c.Groups {
		if g == groupName {
			return true
		}
	}
	return false
}

// Enabled reports whether v enforces anything at all.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// NewTestToken mints a token for integration tests and cmd/scmpctl's
// smoke-test client; production tokens are issued outside this process.
func NewTestToken(secret, clientName string, groups []string, ttl time.Duration) (string, error) {
	claims := &Claims{
		ClientName: clientName,
		Groups:     groups,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "scmaster",
			Subject:   clientName,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
