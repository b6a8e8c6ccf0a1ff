package integration

import (
	"maps"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with a shared secret.
type tokenIssuer struct {
	t        *testing.T
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	return &tokenIssuer{
		t:        t,
		secret:   []byte("integration-signing-secret-0123456789"),
		issuer:   "https://auth.test.worktrail.dev",
		audience: "worktrail-test",
	}
}

func (ti *tokenIssuer) claims(c TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mc := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   c.SubjectID,
		"email": c.Email,
	}
	if len(c.Roles) > 0 {
		// Stored as []any to match JWT decode behaviour.
		roles := make([]any, len(c.Roles))
		for i, r := range c.Roles {
			roles[i] = r
		}
		mc["roles"] = roles
	}
	maps.Copy(mc, c.Extra)
	return mc
}

func (ti *tokenIssuer) sign(method jwt.SigningMethod, secret []byte, mc jwt.MapClaims) string {
	ti.t.Helper()
	signed, err := jwt.NewWithClaims(method, mc).SignedString(secret)
	if err != nil {
		ti.t.Fatalf("sign JWT: %v", err)
	}
	return signed
}

// GenerateToken creates a valid, signed token for the claims.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodHS256, ti.secret, ti.claims(c, now, now.Add(time.Hour)))
}

// GenerateExpiredToken creates a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodHS256, ti.secret, ti.claims(c, now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

// GenerateForeignToken creates a token signed with a secret the server does
// not know.
func (ti *tokenIssuer) GenerateForeignToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodHS256, []byte("some-other-secret-nobody-shares!!"), ti.claims(c, now, now.Add(time.Hour)))
}
