package server

import (
	"log/slog"
	"net/http"
	"time"
)

// SessionCookieName is the cookie carrying the service-domain session token.
const SessionCookieName = "alt_session"

// SessionManager turns verified identities into session tokens and owns the
// cookie transport on the identity service's own domain.
type SessionManager struct {
	tokens       *TokenService
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, tokens *TokenService, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		tokens:       tokens,
		logger:       logger,
		ttl:          cfg.Auth.SessionTTL,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Issue signs a session token for the user and sets the service cookie.
func (sm *SessionManager) Issue(w http.ResponseWriter, userID, email string) (string, error) {
	token, err := sm.tokens.SignSession(userID, email)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return token, nil
}

// Fetch verifies the session cookie on the request, if any.
func (sm *SessionManager) Fetch(r *http.Request) (*SessionClaims, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	claims, err := sm.tokens.VerifySession(cookie.Value)
	if err != nil {
		sm.logger.Debug("session verify failed", "error", err)
		return nil, false
	}
	return claims, true
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
