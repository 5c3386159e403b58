package server

import (
	"errors"
	"net/http"
)

// Sentinel errors for the protocol core. Handlers map these to HTTP status
// codes; everything else surfaces as a 500.
var (
	// ErrValidation covers malformed payloads and emails outside the
	// allow-listed domains.
	ErrValidation = errors.New("invalid request")

	// ErrInvalidOrExpiredRequest means the auth-request envelope is missing,
	// in the wrong status, or past its expiry. Deliberately indistinct so a
	// caller cannot tell "never existed" from "already claimed".
	ErrInvalidOrExpiredRequest = errors.New("invalid or expired request")

	// ErrClaimExpired means the request was found authenticated but its
	// short-lived claim token has lapsed.
	ErrClaimExpired = errors.New("claim token expired")

	// ErrInvalidCredentials is returned uniformly for a missing account, an
	// account without password auth, and a failed password comparison.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidOrExpiredCode means no unused, unexpired OTP matched.
	ErrInvalidOrExpiredCode = errors.New("invalid or expired code")

	// ErrOriginMismatch means a claim was redeemed from a different origin
	// than the one frozen at init. Fails closed.
	ErrOriginMismatch = errors.New("origin mismatch")

	// ErrNotFound is returned when a referenced user does not exist.
	ErrNotFound = errors.New("user not found")

	// ErrDeliveryFailed means the OTP email could not be sent. The stored
	// OTP record is not rolled back.
	ErrDeliveryFailed = errors.New("failed to send verification code")

	// ErrUsernameTaken rejects a profile update claiming another user's name.
	ErrUsernameTaken = errors.New("username is already taken")
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidOrExpiredRequest),
		errors.Is(err, ErrClaimExpired),
		errors.Is(err, ErrInvalidOrExpiredCode),
		errors.Is(err, ErrUsernameTaken):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, ErrOriginMismatch):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
