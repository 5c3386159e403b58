package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// JWKSManager holds the RSA keys that sign session tokens and exposes their
// public halves as a JSON Web Key Set so relying sites can verify sessions
// without calling back. One previous key is retained across a rotation so
// sessions signed just before it stay verifiable.
type JWKSManager struct {
	mu          sync.RWMutex
	current     signingKey
	previous    []signingKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewJWKSManager loads persisted keys from secretsPath or generates a fresh
// key pair when none exist.
func NewJWKSManager(secretsPath string, rotateEvery time.Duration, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{
		rotateEvery: rotateEvery,
		logger:      logger,
	}
	if secretsPath != "" {
		m.storePath = filepath.Join(secretsPath, "session_keys.json")
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if m.current.PrivateKey == nil {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation launches the background rotation ticker when an interval is
// configured.
func (m *JWKSManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("session key rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key, stamping its kid into the header.
func (m *JWKSManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	return token.SignedString(m.current.PrivateKey)
}

// Keyfunc resolves the verification key during JWT parsing.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return &m.current.PrivateKey.PublicKey, nil
}

// PublicJWKS returns the public key set served at /.well-known/jwks.json.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *JWKSManager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		m.previous = []signingKey{m.current}
	}
	m.current = signingKey{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	m.mu.Unlock()

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.JWK}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *JWKSManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in session key file")
	}
	var prev []signingKey
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := signingKey{PrivateKey: priv, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()}
		if i == 0 {
			m.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	m.previous = prev
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
