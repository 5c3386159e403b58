package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://auth.test"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwks, err := NewJWKSManager("", 0, logger)
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	return NewTokenService(cfg, jwks)
}

func TestIdentifierSizes(t *testing.T) {
	ts := newTestTokenService(t)

	if got := len(ts.NewRequestID()); got != 64 {
		t.Fatalf("request id should be 32 bytes hex (64 chars), got %d", got)
	}
	if got := len(ts.NewClaimToken()); got != 96 {
		t.Fatalf("claim token should be 48 bytes hex (96 chars), got %d", got)
	}
	if ts.NewRequestID() == ts.NewRequestID() {
		t.Fatalf("request ids should not repeat")
	}
}

func TestNewOTPFormat(t *testing.T) {
	ts := newTestTokenService(t)
	for i := 0; i < 50; i++ {
		otp := ts.NewOTP()
		if len(otp) != 6 {
			t.Fatalf("otp %q should have 6 digits", otp)
		}
		for _, c := range otp {
			if c < '0' || c > '9' {
				t.Fatalf("otp %q contains non-digit", otp)
			}
		}
	}
}

func TestExpiryHorizons(t *testing.T) {
	ts := newTestTokenService(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if got := ts.OTPExpiry(now); !got.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("otp expiry = %v", got)
	}
	if got := ts.ClaimTokenExpiry(now); !got.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("claim expiry = %v", got)
	}
	if got := ts.AuthRequestExpiry(now); !got.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("request expiry = %v", got)
	}
	if got := ts.SessionTTL(); got != 7*24*time.Hour {
		t.Fatalf("session ttl = %v", got)
	}
}

func TestSessionSignAndVerify(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.SignSession("user-1", "a@iiit.ac.in")
	if err != nil {
		t.Fatalf("SignSession: %v", err)
	}

	claims, err := ts.VerifySession(token)
	if err != nil {
		t.Fatalf("VerifySession: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.Email != "a@iiit.ac.in" {
		t.Fatalf("unexpected email %q", claims.Email)
	}
}

func TestVerifySessionRejectsTampered(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.SignSession("user-1", "a@iiit.ac.in")
	if err != nil {
		t.Fatalf("SignSession: %v", err)
	}
	if _, err := ts.VerifySession(token + "x"); err == nil {
		t.Fatalf("tampered token should not verify")
	}
	if _, err := ts.VerifySession(""); err == nil {
		t.Fatalf("empty token should not verify")
	}
}

func TestVerifySessionRejectsExpired(t *testing.T) {
	ts := newTestTokenService(t)

	claims := SessionClaims{
		Email: "a@iiit.ac.in",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-8 * 24 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-24 * time.Hour)),
		},
	}
	token, err := ts.jwks.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := ts.VerifySession(token); err == nil {
		t.Fatalf("expired token should not verify")
	}
}

func TestVerifySessionRejectsForeignIssuer(t *testing.T) {
	ts := newTestTokenService(t)

	other := DefaultConfig()
	other.Server.PublicURL = "http://other.test"
	foreign := NewTokenService(other, ts.jwks)

	token, err := foreign.SignSession("user-1", "a@iiit.ac.in")
	if err != nil {
		t.Fatalf("SignSession: %v", err)
	}
	if _, err := ts.VerifySession(token); err == nil {
		t.Fatalf("token from another issuer should not verify")
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	if HashPassword("secret") != HashPassword("secret") {
		t.Fatalf("digest should be deterministic")
	}
	if HashPassword("secret") == HashPassword("Secret") {
		t.Fatalf("different inputs should not collide")
	}
}
