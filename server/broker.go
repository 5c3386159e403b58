package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Broker owns the cross-origin handoff state machine:
//
//	waiting --(Authenticate)--> authenticated --(Redeem)--> deleted
//
// Both live states decay to deleted on expiry, detected lazily at read time
// and reclaimed by the sweeper. The frozen origin captured at Init anchors
// redemption: a claim leaked to another site is not redeemable there.
type Broker struct {
	store      Store
	tokens     *TokenService
	selfOrigin string
	logger     *slog.Logger
}

// NewBroker constructs the broker. selfOrigin is the identity service's own
// public origin, used for the direct-redirect shortcut.
func NewBroker(cfg Config, store Store, tokens *TokenService, logger *slog.Logger) *Broker {
	return &Broker{
		store:      store,
		tokens:     tokens,
		selfOrigin: originOf(cfg.Server.PublicURL),
		logger:     logger,
	}
}

// AuthOutcome is the result of authenticating a waiting request.
type AuthOutcome struct {
	ClaimToken   string
	FrozenOrigin string
	// Direct is set when the user arrived on the identity service's own
	// domain; the request is deleted instead of minting a claim token and
	// the caller should redirect locally.
	Direct bool
}

// Init freezes the relying site's origin and opens a waiting request.
func (b *Broker) Init(frozenOrigin string) (string, error) {
	if !validOrigin(frozenOrigin) {
		return "", fmt.Errorf("%w: invalid origin", ErrValidation)
	}

	now := time.Now()
	requestID := b.tokens.NewRequestID()
	req := AuthRequest{
		RequestID:    requestID,
		FrozenOrigin: frozenOrigin,
		Status:       StatusWaiting,
		CreatedAt:    now,
		ExpiresAt:    b.tokens.AuthRequestExpiry(now),
	}
	if err := b.store.SaveAuthRequest(req); err != nil {
		return "", fmt.Errorf("save auth request: %w", err)
	}
	b.logger.Info("auth request opened", "origin", frozenOrigin)
	return requestID, nil
}

// Authenticate binds a verified user to a waiting request and mints the
// single-use claim token, or signals a direct redirect when the exchange
// never left the service's own domain.
func (b *Broker) Authenticate(requestID, userID string) (AuthOutcome, error) {
	now := time.Now()
	req, ok, err := b.store.AuthRequest(requestID)
	if err != nil {
		return AuthOutcome{}, err
	}
	if !ok || req.Status != StatusWaiting {
		return AuthOutcome{}, ErrInvalidOrExpiredRequest
	}
	if req.Expired(now) {
		_ = b.store.DeleteAuthRequest(requestID)
		return AuthOutcome{}, ErrInvalidOrExpiredRequest
	}

	if req.FrozenOrigin == b.selfOrigin {
		// The user navigated to the identity service directly; there is no
		// relying-site callback to hand a claim to.
		if err := b.store.DeleteAuthRequest(requestID); err != nil {
			return AuthOutcome{}, err
		}
		return AuthOutcome{FrozenOrigin: req.FrozenOrigin, Direct: true}, nil
	}

	claimToken := b.tokens.NewClaimToken()
	ok, err = b.store.MarkAuthenticated(requestID, userID, claimToken, b.tokens.ClaimTokenExpiry(now), now)
	if err != nil {
		return AuthOutcome{}, err
	}
	if !ok {
		return AuthOutcome{}, ErrInvalidOrExpiredRequest
	}
	b.logger.Info("auth request authenticated", "origin", req.FrozenOrigin)
	return AuthOutcome{ClaimToken: claimToken, FrozenOrigin: req.FrozenOrigin}, nil
}

// Redeem exchanges a claim token for the bound user, at most once. The
// record is deleted as part of the same conditional operation, so two
// concurrent redeemers cannot both succeed. The user is resolved before the
// claim is consumed; a dangling user id fails the redemption without burning
// it. Expired requests are swept opportunistically on every successful call.
func (b *Broker) Redeem(requestID, claimToken, callerOrigin string) (User, error) {
	now := time.Now()
	req, ok, err := b.store.AuthRequest(requestID)
	if err != nil {
		return User{}, err
	}
	if !ok || req.Status != StatusAuthenticated || req.ClaimToken != claimToken {
		return User{}, ErrInvalidOrExpiredRequest
	}
	if callerOrigin != "" && callerOrigin != req.FrozenOrigin {
		b.logger.Warn("claim redeemed from foreign origin",
			"frozen_origin", req.FrozenOrigin, "caller_origin", callerOrigin)
		return User{}, ErrOriginMismatch
	}
	if now.After(req.ClaimTokenExpiresAt) {
		_ = b.store.DeleteAuthRequest(requestID)
		return User{}, ErrClaimExpired
	}

	user, ok, err := b.store.UserByID(req.UserID)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrNotFound
	}

	ok, err = b.store.ConsumeAuthRequest(requestID, claimToken)
	if err != nil {
		return User{}, err
	}
	if !ok {
		// Lost the race to a concurrent redeemer.
		return User{}, ErrInvalidOrExpiredRequest
	}

	if err := b.store.PurgeExpiredAuthRequests(now); err != nil {
		b.logger.Warn("purge expired auth requests", "error", err)
	}
	return user, nil
}

// CheckWaiting verifies that a request exists, is still waiting, and is
// unexpired. The credential verifier uses it to keep password and OTP logins
// inside the same cross-origin envelope.
func (b *Broker) CheckWaiting(requestID string) error {
	req, ok, err := b.store.AuthRequest(requestID)
	if err != nil {
		return err
	}
	if !ok || req.Status != StatusWaiting || req.Expired(time.Now()) {
		return ErrInvalidOrExpiredRequest
	}
	return nil
}

func validOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" &&
		u.Path == "" && u.RawQuery == "" && u.Fragment == ""
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.TrimSuffix(rawURL, "/")
	}
	return u.Scheme + "://" + u.Host
}
