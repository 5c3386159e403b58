package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func newTestApp(t *testing.T) (*App, *captureMailer) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://auth.test"
	cfg.Server.SecretsPath = ""

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwks, err := NewJWKSManager("", 0, logger)
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	store := NewMemoryStore()
	tokens := NewTokenService(cfg, jwks)
	broker := NewBroker(cfg, store, tokens, logger)
	mailer := &captureMailer{}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		JWKS:     jwks,
		Tokens:   tokens,
		Sessions: NewSessionManager(cfg, tokens, logger),
		Broker:   broker,
		Verifier: NewVerifier(cfg, store, tokens, broker, mailer, logger),
		Mailer:   mailer,
	}
	t.Cleanup(func() { app.Close() })
	return app, mailer
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", SessionCookieName)
	return nil
}

func TestFullLoginFlow(t *testing.T) {
	app, mailer := newTestApp(t)
	h := app.Routes()
	const origin = "https://cool-site.example"

	// A relying site opens the exchange.
	rec := doJSON(t, h, http.MethodPost, "/api/auth/init", map[string]string{"frozenOrigin": origin})
	if rec.Code != http.StatusOK {
		t.Fatalf("init: %d %s", rec.Code, rec.Body.String())
	}
	requestID, _ := decodeBody(t, rec)["requestId"].(string)
	if len(requestID) != 64 {
		t.Fatalf("requestId = %q", requestID)
	}

	// The user asks for a code.
	rec = doJSON(t, h, http.MethodPost, "/api/auth/send-otp", map[string]string{
		"email": "student@students.iiit.ac.in", "requestId": requestID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("send-otp: %d %s", rec.Code, rec.Body.String())
	}
	if isNew, _ := decodeBody(t, rec)["isNewUser"].(bool); !isNew {
		t.Fatalf("first login should report a new user")
	}

	// ...and verifies it.
	rec = doJSON(t, h, http.MethodPost, "/api/auth/verify-otp", map[string]string{
		"email": "student@students.iiit.ac.in", "otp": mailer.last("student@students.iiit.ac.in"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-otp: %d %s", rec.Code, rec.Body.String())
	}
	userID, _ := decodeBody(t, rec)["userId"].(string)
	if userID == "" {
		t.Fatalf("verify-otp returned no userId")
	}

	// Binding the verified user to the request yields the callback redirect
	// and a service-domain session cookie.
	rec = doJSON(t, h, http.MethodPost, "/api/auth/authenticate", map[string]string{
		"requestId": requestID, "userId": userID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticate: %d %s", rec.Code, rec.Body.String())
	}
	cookie := sessionCookie(t, rec)
	if !cookie.HttpOnly || cookie.Path != "/" || cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("session cookie attributes: %+v", cookie)
	}

	redirect, _ := decodeBody(t, rec)["redirectUrl"].(string)
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirectUrl %q: %v", redirect, err)
	}
	if got := u.Scheme + "://" + u.Host; got != origin {
		t.Fatalf("redirect goes to %q, want frozen origin", got)
	}
	if u.Path != AuthCallbackPath {
		t.Fatalf("redirect path = %q", u.Path)
	}
	if u.Query().Get("request_id") != requestID {
		t.Fatalf("redirect carries wrong request_id")
	}
	claim := u.Query().Get("claim")
	if claim == "" {
		t.Fatalf("redirect carries no claim")
	}

	// The relying site's backend redeems the claim.
	rec = doJSON(t, h, http.MethodPost, "/api/auth/verify-claim", map[string]string{
		"requestId": requestID, "claimToken": claim, "origin": origin,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-claim: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	profile, _ := body["profile"].(map[string]any)
	if profile["email"] != "student@students.iiit.ac.in" {
		t.Fatalf("profile = %v", profile)
	}
	sessionToken, _ := body["sessionToken"].(string)
	claims, err := app.Tokens.VerifySession(sessionToken)
	if err != nil {
		t.Fatalf("returned session token does not verify: %v", err)
	}
	if claims.Subject != userID {
		t.Fatalf("session subject = %q, want %q", claims.Subject, userID)
	}
	if body["sessionCookieName"] != SessionCookieName {
		t.Fatalf("sessionCookieName = %v", body["sessionCookieName"])
	}

	// The claim is single-use.
	rec = doJSON(t, h, http.MethodPost, "/api/auth/verify-claim", map[string]string{
		"requestId": requestID, "claimToken": claim, "origin": origin,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second verify-claim: %d %s", rec.Code, rec.Body.String())
	}
}

func TestVerifyClaimOriginMismatch(t *testing.T) {
	app, mailer := newTestApp(t)
	h := app.Routes()
	const origin = "https://cool-site.example"

	rec := doJSON(t, h, http.MethodPost, "/api/auth/init", map[string]string{"frozenOrigin": origin})
	requestID, _ := decodeBody(t, rec)["requestId"].(string)

	doJSON(t, h, http.MethodPost, "/api/auth/send-otp", map[string]string{"email": "a@iiit.ac.in"})
	rec = doJSON(t, h, http.MethodPost, "/api/auth/verify-otp", map[string]string{
		"email": "a@iiit.ac.in", "otp": mailer.last("a@iiit.ac.in"),
	})
	userID, _ := decodeBody(t, rec)["userId"].(string)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/authenticate", map[string]string{
		"requestId": requestID, "userId": userID,
	})
	redirect, _ := decodeBody(t, rec)["redirectUrl"].(string)
	u, _ := url.Parse(redirect)
	claim := u.Query().Get("claim")

	rec = doJSON(t, h, http.MethodPost, "/api/auth/verify-claim", map[string]string{
		"requestId": requestID, "claimToken": claim, "origin": "https://evil.example",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign-origin redeem: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/auth/verify-claim", map[string]string{
		"requestId": requestID, "claimToken": claim, "origin": origin,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("legitimate redeem after mismatch: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/auth/init", map[string]string{
		"frozenOrigin": "https://cool-site.example",
	})
	requestID, _ := decodeBody(t, rec)["requestId"].(string)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/authenticate", map[string]string{
		"requestId": requestID, "userId": "ghost",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("authenticate unknown user: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCredentialsUniformRejection(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Routes()

	err := app.Store.CreateUser(User{
		ID:              "u1",
		Email:           "pw@iiit.ac.in",
		PasswordHash:    HashPassword("secret123"),
		HasPasswordAuth: true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	ghost := doJSON(t, h, http.MethodPut, "/api/auth/credentials", map[string]string{
		"email": "ghost@iiit.ac.in", "password": "secret123",
	})
	wrong := doJSON(t, h, http.MethodPut, "/api/auth/credentials", map[string]string{
		"email": "pw@iiit.ac.in", "password": "not-it",
	})
	if ghost.Code != http.StatusUnauthorized || wrong.Code != http.StatusUnauthorized {
		t.Fatalf("statuses: ghost=%d wrong=%d", ghost.Code, wrong.Code)
	}
	if ghost.Body.String() != wrong.Body.String() {
		t.Fatalf("rejection bodies differ: %q vs %q", ghost.Body.String(), wrong.Body.String())
	}
}

func TestSessionAndLogout(t *testing.T) {
	app, mailer := newTestApp(t)
	h := app.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/auth/init", map[string]string{
		"frozenOrigin": "https://cool-site.example",
	})
	requestID, _ := decodeBody(t, rec)["requestId"].(string)
	doJSON(t, h, http.MethodPost, "/api/auth/send-otp", map[string]string{"email": "a@iiit.ac.in"})
	rec = doJSON(t, h, http.MethodPost, "/api/auth/verify-otp", map[string]string{
		"email": "a@iiit.ac.in", "otp": mailer.last("a@iiit.ac.in"),
	})
	userID, _ := decodeBody(t, rec)["userId"].(string)
	rec = doJSON(t, h, http.MethodPost, "/api/auth/authenticate", map[string]string{
		"requestId": requestID, "userId": userID,
	})
	cookie := sessionCookie(t, rec)

	rec = doJSON(t, h, http.MethodGet, "/api/auth/session", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("session with cookie: %d %s", rec.Code, rec.Body.String())
	}
	if authed, _ := decodeBody(t, rec)["authenticated"].(bool); !authed {
		t.Fatalf("session should be authenticated")
	}

	rec = doJSON(t, h, http.MethodGet, "/api/auth/session", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("session without cookie: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/auth/logout", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	cleared := sessionCookie(t, rec)
	if cleared.MaxAge >= 0 || cleared.Value != "" {
		t.Fatalf("logout should expire the cookie, got %+v", cleared)
	}
}

func TestCompleteProfile(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Routes()

	if err := app.Store.CreateUser(User{ID: "u1", Email: "a@iiit.ac.in"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := app.Store.CreateUser(User{ID: "u2", Email: "b@iiit.ac.in", Username: "taken"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/auth/complete-profile", map[string]string{
		"userId": "u1", "username": "alice", "rollNumber": "2023111001",
		"batch": "2023", "branch": "CSE", "password": "secret123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete-profile: %d %s", rec.Code, rec.Body.String())
	}
	user, _, _ := app.Store.UserByID("u1")
	if !user.ProfileCompleted || !user.HasPasswordAuth || user.Username != "alice" {
		t.Fatalf("profile not applied: %+v", user)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/auth/complete-profile", map[string]string{
		"userId": "u1", "username": "alice", "branch": "UNDERWATER-BASKETRY",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid branch: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/auth/complete-profile", map[string]string{
		"userId": "u1", "username": "taken",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate username: %d %s", rec.Code, rec.Body.String())
	}
}

func TestProfileEndpoints(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Routes()

	user := User{ID: "u1", Email: "a@iiit.ac.in", Username: "alice", ProfileCompleted: true}
	if err := app.Store.CreateUser(user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := app.Tokens.SignSession(user.ID, user.Email)
	if err != nil {
		t.Fatalf("SignSession: %v", err)
	}
	cookie := &http.Cookie{Name: SessionCookieName, Value: token}

	rec := doJSON(t, h, http.MethodGet, "/api/profile", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("profile without session: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/profile", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile: %d %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["username"] != "alice" {
		t.Fatalf("profile body: %s", rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPut, "/api/profile", map[string]string{
		"username": "alice2", "batch": "2024", "branch": "ECE",
	}, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile update: %d %s", rec.Code, rec.Body.String())
	}
	updated, _, _ := app.Store.UserByID("u1")
	if updated.Username != "alice2" || updated.Batch != "2024" || updated.Branch != "ECE" {
		t.Fatalf("update not applied: %+v", updated)
	}
}

func TestJWKSEndpoint(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Routes()

	rec := doJSON(t, h, http.MethodGet, "/.well-known/jwks.json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("jwks: %d", rec.Code)
	}
	keys, _ := decodeBody(t, rec)["keys"].([]any)
	if len(keys) == 0 {
		t.Fatalf("jwks should publish at least one key: %s", rec.Body.String())
	}
}

func TestMalformedBody(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Routes()

	req := httptest.NewRequest(http.MethodPost, "/api/auth/init", bytes.NewBufferString("{{{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}
}
