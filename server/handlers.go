package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// AuthCallbackPath is the path relying sites mount to receive the claim
// handoff redirect.
const AuthCallbackPath = "/auth-callback"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    Store
	JWKS     *JWKSManager
	Tokens   *TokenService
	Sessions *SessionManager
	Broker   *Broker
	Verifier *Verifier
	Mailer   Mailer
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	store, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	jwks, err := NewJWKSManager(cfg.Server.SecretsPath, cfg.Auth.KeyRotateInterval, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	tokens := NewTokenService(cfg, jwks)
	sessions := NewSessionManager(cfg, tokens, logger)
	broker := NewBroker(cfg, store, tokens, logger)

	var mailer Mailer
	if cfg.SMTP.Host != "" {
		mailer = NewSMTPMailer(cfg.SMTP)
	} else {
		mailer = &LogMailer{Logger: logger}
	}

	verifier := NewVerifier(cfg, store, tokens, broker, mailer, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		JWKS:     jwks,
		Tokens:   tokens,
		Sessions: sessions,
		Broker:   broker,
		Verifier: verifier,
		Mailer:   mailer,
	}, nil
}

// Close releases the store handle.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.JWKS.PublicJWKS())
}

func (a *App) handleInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FrozenOrigin string `json:"frozenOrigin"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	requestID, err := a.Broker.Init(body.FrozenOrigin)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId":    requestID,
		"frozenOrigin": body.FrozenOrigin,
	})
}

func (a *App) handleCheckUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	result, err := a.Verifier.CheckUser(body.Email)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isNewUser":        result.IsNewUser,
		"hasPasswordAuth":  result.HasPasswordAuth,
		"profileCompleted": result.ProfileCompleted,
	})
}

func (a *App) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email     string `json:"email"`
		RequestID string `json:"requestId"`
		Type      string `json:"type"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	result, err := a.Verifier.IssueOTP(body.Email, body.RequestID, body.Type)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"isNewUser":       result.IsNewUser,
		"hasPasswordAuth": result.HasPasswordAuth,
	})
}

func (a *App) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
		Type  string `json:"type"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	user, isNew, err := a.Verifier.VerifyOTP(body.Email, body.OTP, body.Type)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"userId":           user.ID,
		"isNewUser":        isNew,
		"profileCompleted": user.ProfileCompleted,
	})
}

func (a *App) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		RequestID string `json:"requestId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	user, err := a.Verifier.VerifyPassword(body.Email, body.Password, body.RequestID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"userId":           user.ID,
		"profileCompleted": user.ProfileCompleted,
	})
}

func (a *App) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string `json:"requestId"`
		UserID    string `json:"userId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if body.RequestID == "" || body.UserID == "" {
		a.writeError(w, fmt.Errorf("%w: request id and user id are required", ErrValidation))
		return
	}

	user, ok, err := a.Store.UserByID(body.UserID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !ok {
		a.writeError(w, ErrNotFound)
		return
	}

	outcome, err := a.Broker.Authenticate(body.RequestID, body.UserID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	// The user just authenticated on the identity service's domain, so a
	// service session is set regardless of which relying site initiated.
	if _, err := a.Sessions.Issue(w, user.ID, user.Email); err != nil {
		a.writeError(w, err)
		return
	}

	var redirectURL string
	if outcome.Direct {
		redirectURL = strings.TrimSuffix(a.Config.Server.PublicURL, "/") + "/profile"
	} else {
		q := url.Values{}
		q.Set("request_id", body.RequestID)
		q.Set("claim", outcome.ClaimToken)
		redirectURL = outcome.FrozenOrigin + AuthCallbackPath + "?" + q.Encode()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"redirectUrl": redirectURL,
	})
}

func (a *App) handleVerifyClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID  string `json:"requestId"`
		ClaimToken string `json:"claimToken"`
		Origin     string `json:"origin"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if body.RequestID == "" || body.ClaimToken == "" {
		a.writeError(w, fmt.Errorf("%w: request id and claim token are required", ErrValidation))
		return
	}

	user, err := a.Broker.Redeem(body.RequestID, body.ClaimToken, body.Origin)
	if err != nil {
		a.writeError(w, err)
		return
	}

	sessionToken, err := a.Tokens.SignSession(user.ID, user.Email)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"profile":           ProfileOf(user),
		"sessionToken":      sessionToken,
		"sessionCookieName": SessionCookieName,
		"sessionDurationMs": a.Tokens.SessionTTL().Milliseconds(),
	})
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.Sessions.Fetch(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	user, ok, err := a.Store.UserByID(claims.Subject)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          ProfileOf(user),
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *App) handleCompleteProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID     string `json:"userId"`
		Username   string `json:"username"`
		RollNumber string `json:"rollNumber"`
		Batch      string `json:"batch"`
		Branch     string `json:"branch"`
		Password   string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if body.UserID == "" || body.Username == "" {
		a.writeError(w, fmt.Errorf("%w: user id and username are required", ErrValidation))
		return
	}

	user, ok, err := a.Store.UserByID(body.UserID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !ok {
		a.writeError(w, ErrNotFound)
		return
	}

	if err := a.applyProfileUpdate(&user, body.Username, body.RollNumber, body.Batch, body.Branch, body.Password); err != nil {
		a.writeError(w, err)
		return
	}
	user.ProfileCompleted = true
	if err := a.Store.UpdateUser(user); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *App) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	user, err := a.sessionUser(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileOf(user))
}

func (a *App) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	user, err := a.sessionUser(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var body struct {
		Username    string `json:"username"`
		RollNumber  string `json:"rollNumber"`
		Batch       string `json:"batch"`
		Branch      string `json:"branch"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Username) == "" {
		a.writeError(w, fmt.Errorf("%w: username is required", ErrValidation))
		return
	}

	if err := a.applyProfileUpdate(&user, strings.TrimSpace(body.Username),
		strings.TrimSpace(body.RollNumber), body.Batch, body.Branch, body.NewPassword); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.Store.UpdateUser(user); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// applyProfileUpdate validates and applies the mutable profile fields. A
// password shorter than six characters is ignored rather than rejected.
func (a *App) applyProfileUpdate(user *User, username, rollNumber, batch, branch, password string) error {
	if branch != "" && !slices.Contains(a.Config.Auth.Branches, branch) {
		return fmt.Errorf("%w: invalid branch", ErrValidation)
	}
	if batch != "" && !slices.Contains(a.Config.Auth.Batches, batch) {
		return fmt.Errorf("%w: invalid batch", ErrValidation)
	}

	taken, err := a.Store.UsernameTaken(username, user.ID)
	if err != nil {
		return err
	}
	if taken {
		return ErrUsernameTaken
	}

	user.Username = username
	user.RollNumber = rollNumber
	user.Batch = batch
	user.Branch = branch
	if len(password) >= 6 {
		user.PasswordHash = HashPassword(password)
		user.HasPasswordAuth = true
	}
	user.UpdatedAt = time.Now()
	return nil
}

func (a *App) sessionUser(r *http.Request) (User, error) {
	claims, ok := a.Sessions.Fetch(r)
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	user, ok, err := a.Store.UserByID(claims.Subject)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.Logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body", ErrValidation)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
