package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func testAuth(t *testing.T) *Auth {
	t.Helper()
	a := &Auth{TestMode: true, TestSecret: []byte("test-secret")}
	a.initParser()
	return a
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifyCredentialResolvesIdentity(t *testing.T) {
	a := testAuth(t)
	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub":  "auth0|user-1",
		"name": "Alice",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	userID, displayName, err := a.VerifyCredential(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "auth0|user-1" || displayName != "Alice" {
		t.Fatalf("unexpected identity %q / %q", userID, displayName)
	}
}

func TestVerifyCredentialNameFallback(t *testing.T) {
	a := testAuth(t)

	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub":      "u1",
		"nickname": "ali",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	_, displayName, err := a.VerifyCredential(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if displayName != "ali" {
		t.Fatalf("expected nickname fallback, got %q", displayName)
	}

	token = signToken(t, "test-secret", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, displayName, err = a.VerifyCredential(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if displayName != "u1" {
		t.Fatalf("expected sub fallback, got %q", displayName)
	}
}

func TestVerifyCredentialRejectsExpired(t *testing.T) {
	a := testAuth(t)
	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-2 * time.Hour).Unix(),
	})

	if _, _, err := a.VerifyCredential(token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestVerifyCredentialRejectsWrongSecret(t *testing.T) {
	a := testAuth(t)
	token := signToken(t, "other-secret", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, _, err := a.VerifyCredential(token); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}
}

func TestVerifyCredentialRejectsNonToken(t *testing.T) {
	a := testAuth(t)
	if _, _, err := a.VerifyCredential("not-a-jwt"); err == nil {
		t.Fatal("opaque string must be rejected")
	}
}

func TestVerifyCredentialAudienceAndIssuer(t *testing.T) {
	a := testAuth(t)
	a.Audience = "collab"
	a.Issuer = "https://issuer.example/"

	claims := jwt.MapClaims{
		"sub": "u1",
		"aud": "collab",
		"iss": "https://issuer.example/",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if _, _, err := a.VerifyCredential(signToken(t, "test-secret", claims)); err != nil {
		t.Fatalf("matching audience and issuer must pass: %v", err)
	}

	claims["aud"] = "other"
	if _, _, err := a.VerifyCredential(signToken(t, "test-secret", claims)); err == nil {
		t.Fatal("wrong audience must be rejected")
	}
}

func TestUserIDFromAuthHeader(t *testing.T) {
	a := testAuth(t)
	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	userID, err := a.UserIDFromAuthHeader("Bearer " + token)
	if err != nil || userID != "u1" {
		t.Fatalf("unexpected result %q %v", userID, err)
	}

	if _, err := a.UserIDFromAuthHeader(""); err == nil {
		t.Fatal("empty header must be rejected")
	}
	if _, err := a.UserIDFromAuthHeader(token); err == nil {
		t.Fatal("missing Bearer prefix must be rejected")
	}
}
