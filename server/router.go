package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the protocol and profile endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/init", a.handleInit)
		r.Post("/check-user", a.handleCheckUser)
		r.Post("/send-otp", a.handleSendOTP)
		r.Post("/verify-otp", a.handleVerifyOTP)
		r.Put("/credentials", a.handleCredentials)
		r.Post("/authenticate", a.handleAuthenticate)
		r.Post("/verify-claim", a.handleVerifyClaim)
		r.Get("/session", a.handleSession)
		r.Post("/logout", a.handleLogout)
		r.Post("/complete-profile", a.handleCompleteProfile)
	})

	r.Get("/api/profile", a.handleProfileGet)
	r.Put("/api/profile", a.handleProfilePut)

	return r
}
