package server

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Verifier checks passwords and one-time codes against stored records. It
// never reveals through VerifyPassword whether an account exists; CheckUser
// does, which is an accepted product tradeoff so the UI can pick a login step.
type Verifier struct {
	store      Store
	tokens     *TokenService
	broker     *Broker
	mailer     Mailer
	emailRe    *regexp.Regexp
	logger     *slog.Logger
}

// NewVerifier constructs a credential verifier. The allowed email domains
// come from configuration.
func NewVerifier(cfg Config, store Store, tokens *TokenService, broker *Broker, mailer Mailer, logger *slog.Logger) *Verifier {
	return &Verifier{
		store:   store,
		tokens:  tokens,
		broker:  broker,
		mailer:  mailer,
		emailRe: emailPattern(cfg.Auth.AllowedEmailDomains),
		logger:  logger,
	}
}

// CheckUserResult reports account state before any credential is supplied.
type CheckUserResult struct {
	IsNewUser        bool
	HasPasswordAuth  bool
	ProfileCompleted bool
}

// CheckUser is a pure read of account state for a well-formed email.
func (v *Verifier) CheckUser(email string) (CheckUserResult, error) {
	if !v.emailRe.MatchString(email) {
		return CheckUserResult{}, fmt.Errorf("%w: invalid email format", ErrValidation)
	}
	user, ok, err := v.store.UserByEmail(email)
	if err != nil {
		return CheckUserResult{}, err
	}
	if !ok {
		return CheckUserResult{IsNewUser: true}, nil
	}
	return CheckUserResult{
		HasPasswordAuth:  user.HasPasswordAuth,
		ProfileCompleted: user.ProfileCompleted,
	}, nil
}

// VerifyPassword authenticates an existing password-enabled account. When a
// requestID is supplied the surrounding auth request must still be waiting.
// Missing account, no password set, and digest mismatch all return the same
// ErrInvalidCredentials.
func (v *Verifier) VerifyPassword(email, password, requestID string) (User, error) {
	if email == "" || password == "" {
		return User{}, fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	if requestID != "" {
		if err := v.broker.CheckWaiting(requestID); err != nil {
			return User{}, err
		}
	}

	user, ok, err := v.store.UserByEmail(email)
	if err != nil {
		return User{}, err
	}
	if !ok || !user.HasPasswordAuth || user.PasswordHash == "" {
		return User{}, ErrInvalidCredentials
	}
	digest := HashPassword(password)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(user.PasswordHash)) != 1 {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// IssueOTPResult mirrors CheckUser so the caller can branch the login flow.
type IssueOTPResult struct {
	IsNewUser       bool
	HasPasswordAuth bool
}

// IssueOTP stores a fresh code and hands it to the mailer. Codes issued
// earlier for the same (email, type) are invalidated first, so only the most
// recent one verifies. A delivery failure surfaces as ErrDeliveryFailed; the
// stored record is intentionally not rolled back.
func (v *Verifier) IssueOTP(email, requestID, otpType string) (IssueOTPResult, error) {
	if !v.emailRe.MatchString(email) {
		return IssueOTPResult{}, fmt.Errorf("%w: invalid email format", ErrValidation)
	}
	if otpType == "" {
		otpType = OTPTypeLogin
	}
	if requestID != "" {
		if err := v.broker.CheckWaiting(requestID); err != nil {
			return IssueOTPResult{}, err
		}
	}

	user, exists, err := v.store.UserByEmail(email)
	if err != nil {
		return IssueOTPResult{}, err
	}
	result := IssueOTPResult{IsNewUser: !exists}
	if exists {
		result.HasPasswordAuth = user.HasPasswordAuth
	}

	if err := v.store.DeleteOTPs(email, otpType); err != nil {
		return IssueOTPResult{}, err
	}
	now := time.Now()
	code := v.tokens.NewOTP()
	rec := OTPRecord{
		Email:     email,
		Code:      code,
		Type:      otpType,
		CreatedAt: now,
		ExpiresAt: v.tokens.OTPExpiry(now),
	}
	if err := v.store.SaveOTP(rec); err != nil {
		return IssueOTPResult{}, err
	}

	if err := v.mailer.Send(email, code); err != nil {
		v.logger.Error("otp delivery failed", "email", email, "error", err)
		return IssueOTPResult{}, ErrDeliveryFailed
	}
	return result, nil
}

// VerifyOTP consumes a matching outstanding, unexpired code. The match and the
// delete are one conditional operation, so a code submitted concurrently
// verifies at most once. A first-time email gets a user record created with
// no password auth and an incomplete profile.
func (v *Verifier) VerifyOTP(email, code, otpType string) (User, bool, error) {
	if email == "" || code == "" {
		return User{}, false, fmt.Errorf("%w: email and otp are required", ErrValidation)
	}
	if otpType == "" {
		otpType = OTPTypeLogin
	}

	now := time.Now()
	ok, err := v.store.ConsumeOTP(email, code, otpType, now)
	if err != nil {
		return User{}, false, err
	}
	if !ok {
		return User{}, false, ErrInvalidOrExpiredCode
	}
	if err := v.store.PurgeExpiredOTPs(now); err != nil {
		v.logger.Warn("purge expired otps", "error", err)
	}

	user, exists, err := v.store.UserByEmail(email)
	if err != nil {
		return User{}, false, err
	}
	if exists {
		return user, false, nil
	}

	user = User{
		ID:        v.tokens.NewUserID(),
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := v.store.CreateUser(user); err != nil {
		return User{}, false, err
	}
	v.logger.Info("user created", "user_id", user.ID)
	return user, true, nil
}

func emailPattern(domains []string) *regexp.Regexp {
	escaped := make([]string, len(domains))
	for i, d := range domains {
		escaped[i] = regexp.QuoteMeta(d)
	}
	return regexp.MustCompile(
		`^[A-Za-z0-9._%+-]+@(` + strings.Join(escaped, "|") + `)$`)
}
