package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token and identifier sizes. Request IDs and claim tokens carry no structure;
// they are sized purely for unguessability.
const (
	requestIDBytes  = 32
	claimTokenBytes = 48
	userIDBytes     = 16
	otpDigits       = 6
)

// SessionClaims is the payload of a signed session token: a time-boxed
// assertion of {userId, email}. Validity is determined entirely by signature
// and expiry; the store is never consulted.
type SessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenService produces the protocol's opaque identifiers, computes the
// expiry horizons, and signs session tokens.
type TokenService struct {
	issuer     string
	jwks       *JWKSManager
	sessionTTL time.Duration
	otpTTL     time.Duration
	claimTTL   time.Duration
	requestTTL time.Duration
}

// NewTokenService constructs a TokenService from configuration.
func NewTokenService(cfg Config, jwks *JWKSManager) *TokenService {
	return &TokenService{
		issuer:     strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		jwks:       jwks,
		sessionTTL: cfg.Auth.SessionTTL,
		otpTTL:     cfg.Auth.OTPTTL,
		claimTTL:   cfg.Auth.ClaimTTL,
		requestTTL: cfg.Auth.RequestTTL,
	}
}

// NewRequestID mints the external handle for one cross-origin exchange.
func (ts *TokenService) NewRequestID() string { return randomHex(requestIDBytes) }

// NewClaimToken mints a single-use claim secret.
func (ts *TokenService) NewClaimToken() string { return randomHex(claimTokenBytes) }

// NewUserID mints an identifier for a newly created user.
func (ts *TokenService) NewUserID() string { return randomHex(userIDBytes) }

// NewOTP draws a fixed-length decimal code uniformly.
func (ts *TokenService) NewOTP() string {
	max := big.NewInt(1)
	for i := 0; i < otpDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		// crypto/rand failure is unrecoverable for code generation
		panic(fmt.Sprintf("otp generation: %v", err))
	}
	return fmt.Sprintf("%0*d", otpDigits, n)
}

// OTPExpiry returns when a code issued now stops being redeemable.
func (ts *TokenService) OTPExpiry(now time.Time) time.Time {
	return now.Add(ts.otpTTL)
}

// ClaimTokenExpiry returns the claim token deadline for a request
// authenticated now.
func (ts *TokenService) ClaimTokenExpiry(now time.Time) time.Time {
	return now.Add(ts.claimTTL)
}

// AuthRequestExpiry bounds the waiting phase of a request created now.
func (ts *TokenService) AuthRequestExpiry(now time.Time) time.Time {
	return now.Add(ts.requestTTL)
}

// SessionTTL is the fixed validity window of issued sessions.
func (ts *TokenService) SessionTTL() time.Duration { return ts.sessionTTL }

// SignSession issues a session token bound to the user.
func (ts *TokenService) SignSession(userID, email string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.sessionTTL)),
		},
	}
	return ts.jwks.Sign(claims)
}

// VerifySession checks signature and expiry of a session token. No storage
// lookup happens here, so a session cannot be revoked before it expires.
func (ts *TokenService) VerifySession(token string) (*SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	tok, err := jwt.ParseWithClaims(token, &SessionClaims{}, ts.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*SessionClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	if claims.Issuer != ts.issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	return claims, nil
}

// HashPassword digests a password for storage.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("token generation: %v", err))
	}
	return hex.EncodeToString(buf)
}
