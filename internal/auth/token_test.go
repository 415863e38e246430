package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestHMACVerifierRoundTrip(t *testing.T) {
	v := NewHMACVerifier("secret", "")
	u := uuid.New()

	token, err := v.Sign(u, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != u {
		t.Fatalf("expected %s, got %s", u, got)
	}
}

func TestHMACVerifierRejects(t *testing.T) {
	v := NewHMACVerifier("secret", "chat")
	u := uuid.New()

	foreign, _ := NewHMACVerifier("other-secret", "chat").Sign(u, time.Hour)
	wrongIssuer, _ := NewHMACVerifier("secret", "elsewhere").Sign(u, time.Hour)

	expiredClaims := sessionClaims{UserID: u.String()}
	expiredClaims.Issuer = "chat"
	expiredClaims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString([]byte("secret"))

	noUser := sessionClaims{}
	noUser.Issuer = "chat"
	anonymous, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, noUser).SignedString([]byte("secret"))

	badID := sessionClaims{UserID: "not-a-uuid"}
	badID.Issuer = "chat"
	malformedID, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, badID).SignedString([]byte("secret"))

	tests := map[string]string{
		"garbage":       "not.a.token",
		"wrong secret":  foreign,
		"wrong issuer":  wrongIssuer,
		"expired":       expired,
		"no user id":    anonymous,
		"malformed id":  malformedID,
		"unsigned none": unsignedToken(t, u),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(token); err == nil {
				t.Fatal("expected verification error")
			}
		})
	}
}

func TestHMACVerifierFallsBackToSubject(t *testing.T) {
	u := uuid.New()
	claims := sessionClaims{}
	claims.Subject = u.String()
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))

	got, err := NewHMACVerifier("secret", "").Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != u {
		t.Fatalf("expected subject %s, got %s", u, got)
	}
}

func unsignedToken(t *testing.T, u uuid.UUID) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, sessionClaims{UserID: u.String()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	return token
}

func TestJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWKSVerifier(ctx, srv.URL, "https://idp.example", nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	defer v.Close()

	u := uuid.New()
	sign := func(issuer string, exp time.Time) string {
		claims := sessionClaims{}
		claims.Subject = u.String()
		claims.Issuer = issuer
		claims.ExpiresAt = jwt.NewNumericDate(exp)
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "test-key"
		s, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	got, err := v.Verify(sign("https://idp.example", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != u {
		t.Fatalf("expected %s, got %s", u, got)
	}

	if _, err := v.Verify(sign("https://evil.example", time.Now().Add(time.Hour))); err == nil {
		t.Fatal("foreign issuer must be rejected")
	}
	if _, err := v.Verify(sign("https://idp.example", time.Now().Add(-time.Hour))); err == nil {
		t.Fatal("expired token must be rejected")
	}
}
