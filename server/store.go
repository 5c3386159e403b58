package server

import (
	"fmt"
	"time"
)

// Store is the durable backing for users, auth requests, and OTPs. It is
// constructed in main and injected into every component; there is no hidden
// process-wide handle.
//
// The Mark/Consume methods are single atomic conditional operations. Redeem
// and OTP verification rely on them for their at-most-once guarantees, so an
// implementation must not decompose them into a read followed by a write.
type Store interface {
	CreateUser(u User) error
	UserByEmail(email string) (User, bool, error)
	UserByID(id string) (User, bool, error)
	UsernameTaken(username, excludeUserID string) (bool, error)
	UpdateUser(u User) error

	SaveAuthRequest(req AuthRequest) error
	// AuthRequest returns the record regardless of status or expiry; callers
	// re-check expiry on every read.
	AuthRequest(requestID string) (AuthRequest, bool, error)
	// MarkAuthenticated transitions waiting -> authenticated and binds the
	// user and claim token, but only while the record is still waiting and
	// unexpired. Returns false when the guard fails.
	MarkAuthenticated(requestID, userID, claimToken string, claimExpiresAt, now time.Time) (bool, error)
	// ConsumeAuthRequest deletes the record if it is authenticated with a
	// matching claim token. Returns false when another caller got there
	// first or the record never reached that state.
	ConsumeAuthRequest(requestID, claimToken string) (bool, error)
	DeleteAuthRequest(requestID string) error
	PurgeExpiredAuthRequests(now time.Time) error

	SaveOTP(rec OTPRecord) error
	// DeleteOTPs invalidates the outstanding codes for (email, type) so only
	// the most recently issued one stays redeemable.
	DeleteOTPs(email, otpType string) error
	// ConsumeOTP deletes one unexpired record matching the tuple. Returns
	// false if none matched.
	ConsumeOTP(email, code, otpType string, now time.Time) (bool, error)
	PurgeExpiredOTPs(now time.Time) error

	Close() error
}

// OpenStore constructs the configured store implementation.
func OpenStore(cfg StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
