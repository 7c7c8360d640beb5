package api

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestBearerTokenSuccess(t *testing.T) {
	token, err := bearerToken("Bearer header.payload.signature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}
}

func TestBearerTokenMissing(t *testing.T) {
	if _, err := bearerToken("  "); err == nil || err.Error() != "missing authorization header" {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenMalformed(t *testing.T) {
	for _, h := range []string{
		"Basic dXNlcjpwYXNz",
		"Bearer",
		"Bearer not-a-jwt",
		"Bearer " + strings.Repeat(".", 1000),
	} {
		if _, err := bearerToken(h); err == nil || err.Error() != "bad auth header" {
			t.Fatalf("%q: expected bad auth header error, got %v", h, err)
		}
	}
}

func signClaims(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestOperatorFromAuthHeaderHS256(t *testing.T) {
	auth := NewSharedSecretAuth([]byte(testSecret), testAudience, testIssuer)
	signed := signClaims(t, jwt.MapClaims{
		"sub": "operator-123",
		"aud": testAudience,
		"iss": testIssuer,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	})

	operator, err := auth.OperatorFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if operator != "operator-123" {
		t.Fatalf("unexpected operator: %s", operator)
	}
}

func TestOperatorFromTokenRejectsBadClaims(t *testing.T) {
	auth := NewSharedSecretAuth([]byte(testSecret), testAudience, testIssuer)
	valid := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": "operator-123",
			"aud": testAudience,
			"iss": testIssuer,
			"exp": time.Now().Add(5 * time.Minute).Unix(),
		}
	}
	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{name: "missing exp", mutate: func(c jwt.MapClaims) { delete(c, "exp") }},
		{name: "wrong audience", mutate: func(c jwt.MapClaims) { c["aud"] = "someone-else" }},
		{name: "wrong issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil/" }},
		{name: "missing sub", mutate: func(c jwt.MapClaims) { delete(c, "sub") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := valid()
			tt.mutate(claims)
			if _, err := auth.OperatorFromToken(signClaims(t, claims)); err == nil {
				t.Fatal("expected token to be rejected")
			}
		})
	}
}

func TestOperatorFromTokenRejectsOtherSecret(t *testing.T) {
	auth := NewSharedSecretAuth([]byte("another-secret"), "", "")
	signed := signClaims(t, jwt.MapClaims{"sub": "operator-123", "exp": time.Now().Add(time.Minute).Unix()})
	if _, err := auth.OperatorFromToken(signed); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestSharedSecretAuthRejectsRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "operator-123",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	auth := NewSharedSecretAuth([]byte(testSecret), "", "")
	if _, err := auth.OperatorFromToken(signed); err == nil {
		t.Fatal("expected RS256 token to be rejected in shared secret mode")
	}
}

func TestJWKSAuthWithoutKeysFails(t *testing.T) {
	auth := NewAuth(nil, testAudience, testIssuer, time.Minute)
	signed := signClaims(t, jwt.MapClaims{"sub": "operator-123", "exp": time.Now().Add(time.Minute).Unix()})
	if _, err := auth.OperatorFromToken(signed); err == nil {
		t.Fatal("expected HS256 token to be rejected by RS256 auth")
	}
}
