package server

import (
	"sync"
	"time"
)

// MemoryStore keeps all state in process memory behind a single mutex. It is
// the default driver for development and tests; the conditional operations
// are atomic under the lock.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]User // keyed by user ID
	authRequests map[string]AuthRequest
	otps         []OTPRecord
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]User),
		authRequests: make(map[string]AuthRequest),
	}
}

func (s *MemoryStore) CreateUser(u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) UserByEmail(email string) (User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, true, nil
		}
	}
	return User{}, false, nil
}

func (s *MemoryStore) UserByID(id string) (User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) UsernameTaken(username, excludeUserID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username && u.ID != excludeUserID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpdateUser(u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) SaveAuthRequest(req AuthRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authRequests[req.RequestID] = req
	return nil
}

func (s *MemoryStore) AuthRequest(requestID string) (AuthRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.authRequests[requestID]
	return req, ok, nil
}

func (s *MemoryStore) MarkAuthenticated(requestID, userID, claimToken string, claimExpiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.authRequests[requestID]
	if !ok || req.Status != StatusWaiting || now.After(req.ExpiresAt) {
		return false, nil
	}
	req.Status = StatusAuthenticated
	req.UserID = userID
	req.ClaimToken = claimToken
	req.ClaimTokenExpiresAt = claimExpiresAt
	s.authRequests[requestID] = req
	return true, nil
}

func (s *MemoryStore) ConsumeAuthRequest(requestID, claimToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.authRequests[requestID]
	if !ok || req.Status != StatusAuthenticated || req.ClaimToken != claimToken {
		return false, nil
	}
	delete(s.authRequests, requestID)
	return true, nil
}

func (s *MemoryStore) DeleteAuthRequest(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authRequests, requestID)
	return nil
}

func (s *MemoryStore) PurgeExpiredAuthRequests(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, req := range s.authRequests {
		if now.After(req.ExpiresAt) {
			delete(s.authRequests, id)
		}
	}
	return nil
}

func (s *MemoryStore) SaveOTP(rec OTPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.otps = append(s.otps, rec)
	return nil
}

func (s *MemoryStore) DeleteOTPs(email, otpType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.otps[:0]
	for _, rec := range s.otps {
		if rec.Email == email && rec.Type == otpType {
			continue
		}
		kept = append(kept, rec)
	}
	s.otps = kept
	return nil
}

func (s *MemoryStore) ConsumeOTP(email, code, otpType string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range s.otps {
		if rec.Email == email && rec.Code == code && rec.Type == otpType &&
			now.Before(rec.ExpiresAt) {
			s.otps = append(s.otps[:i], s.otps[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) PurgeExpiredOTPs(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.otps[:0]
	for _, rec := range s.otps {
		if now.After(rec.ExpiresAt) {
			continue
		}
		kept = append(kept, rec)
	}
	s.otps = kept
	return nil
}

func (s *MemoryStore) Close() error { return nil }
