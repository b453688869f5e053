package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authplane.org/internal/authz"
)

func setSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("AUTHPLANE_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestTokenRoundTrip(t *testing.T) {
	setSecret(t, "test-secret")

	signed, err := GenerateToken("u1", "org1", authz.MemberAdmin, "admin@acme.test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := ParseAndValidate(signed)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "u1" {
		t.Fatalf("subject = %s", claims.Subject)
	}
	if claims.OrganizationID != "org1" {
		t.Fatalf("org = %s", claims.OrganizationID)
	}
	if claims.MembershipRole != string(authz.MemberAdmin) {
		t.Fatalf("role = %s", claims.MembershipRole)
	}
	if claims.Email != "admin@acme.test" {
		t.Fatalf("email = %s", claims.Email)
	}
	if claims.ID == "" {
		t.Fatal("expected a jti")
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setSecret(t, "test-secret")

	if _, err := GenerateToken("", "org1", authz.MemberMember, "", time.Hour); err == nil {
		t.Fatal("expected error for missing user id")
	}
	if _, err := GenerateToken("u1", "", authz.MemberMember, "", time.Hour); err == nil {
		t.Fatal("expected error for missing org id")
	}
	if _, err := GenerateToken("u1", "org1", authz.MemberMember, "", 0); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}

func TestGenerateTokenWithoutSecret(t *testing.T) {
	setSecret(t, "")

	if _, err := GenerateToken("u1", "org1", authz.MemberMember, "", time.Hour); err == nil {
		t.Fatal("expected error when the secret env is unset")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	setSecret(t, "test-secret")

	for _, token := range []string{"", "   ", "not.a.jwt"} {
		if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: got %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	setSecret(t, "first-secret")
	signed, err := GenerateToken("u1", "org1", authz.MemberMember, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	setSecret(t, "second-secret")
	if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	setSecret(t, "test-secret")

	now := time.Now().UTC()
	claims := Claims{
		OrganizationID: "org1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "authplane",
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsForeignIssuer(t *testing.T) {
	setSecret(t, "test-secret")

	now := time.Now().UTC()
	claims := Claims{
		OrganizationID: "org1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsUnsignedToken(t *testing.T) {
	setSecret(t, "test-secret")

	now := time.Now().UTC()
	claims := Claims{
		OrganizationID: "org1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "authplane",
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseAndValidate(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}
