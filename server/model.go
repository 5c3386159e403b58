package server

import "time"

// AuthRequestStatus tags where a cross-origin login attempt sits in its
// lifecycle. There is no stored "claimed" value: redemption deletes the
// record, so a missing record after authentication means claimed or expired.
type AuthRequestStatus string

const (
	StatusWaiting       AuthRequestStatus = "waiting"
	StatusAuthenticated AuthRequestStatus = "authenticated"
)

// AuthRequest tracks one cross-origin login attempt from init to claim.
type AuthRequest struct {
	RequestID           string
	FrozenOrigin        string
	Status              AuthRequestStatus
	UserID              string
	ClaimToken          string
	ClaimTokenExpiresAt time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Expired reports whether the overall request window has lapsed.
func (r AuthRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// User is the single durable entity the broker manages.
type User struct {
	ID               string
	Email            string
	Username         string
	RollNumber       string
	Batch            string
	Branch           string
	PasswordHash     string
	HasPasswordAuth  bool
	ProfileCompleted bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Profile is the view of a user handed to relying sites and the UI.
type Profile struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Username         string `json:"username,omitempty"`
	RollNumber       string `json:"rollNumber,omitempty"`
	Batch            string `json:"batch,omitempty"`
	Branch           string `json:"branch,omitempty"`
	HasPasswordAuth  bool   `json:"hasPasswordAuth"`
	ProfileCompleted bool   `json:"profileCompleted"`
}

// ProfileOf builds the external view of a user.
func ProfileOf(u User) Profile {
	return Profile{
		ID:               u.ID,
		Email:            u.Email,
		Username:         u.Username,
		RollNumber:       u.RollNumber,
		Batch:            u.Batch,
		Branch:           u.Branch,
		HasPasswordAuth:  u.HasPasswordAuth,
		ProfileCompleted: u.ProfileCompleted,
	}
}

// OTPTypeLogin is the only OTP purpose the login flow issues.
const OTPTypeLogin = "login"

// OTPRecord is a stored one-time code awaiting verification. A record only
// exists while its code is outstanding: consumption and invalidation both
// delete it.
type OTPRecord struct {
	Email     string
	Code      string
	Type      string
	CreatedAt time.Time
	ExpiresAt time.Time
}
