package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures offline session token verification.
type ValidatorConfig struct {
	// Issuer is the identity service's public URL as it appears in tokens.
	Issuer string
	// JWKSURL defaults to Issuer + "/.well-known/jwks.json".
	JWKSURL    string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Validator verifies identity-service-signed session tokens against the
// published JWKS, so a relying site can check sessions without a network
// round trip per request.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
}

// SessionClaims is the verified content of a session token.
type SessionClaims struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = cfg.Issuer + "/.well-known/jwks.json"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Validator{cfg: cfg, client: client}
}

type rawClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Validate downloads the JWKS if necessary and verifies the token.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*SessionClaims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	set, err := v.ensureJWKS(ctx)
	if err != nil {
		return nil, err
	}

	keyfunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		for _, key := range set.Keys {
			if kid == "" || key.KeyID == kid {
				return key.Key, nil
			}
		}
		return nil, fmt.Errorf("no key for kid %q", kid)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	tok, err := jwt.ParseWithClaims(rawToken, &rawClaims{}, keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	claims, ok := tok.Claims.(*rawClaims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid session token")
	}
	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return nil, errors.New("unexpected issuer")
	}

	out := &SessionClaims{UserID: claims.Subject, Email: claims.Email}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

func (v *Validator) ensureJWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	if time.Now().Before(v.cache.expires) && len(v.cache.set.Keys) > 0 {
		set := v.cache.set
		v.mu.RUnlock()
		return set, nil
	}
	v.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	v.mu.Lock()
	v.cache = jwksCache{set: set, expires: time.Now().Add(v.cfg.CacheTTL)}
	v.mu.Unlock()
	return set, nil
}
