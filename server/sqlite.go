package server

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists broker state in a single SQLite database. The
// conditional operations lean on SQLite's per-statement atomicity: guards are
// expressed in the WHERE clause and checked via RowsAffected.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite store: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := map[string]string{
		"users": `
			CREATE TABLE IF NOT EXISTS users (
				id                TEXT PRIMARY KEY,
				email             TEXT UNIQUE NOT NULL,
				username          TEXT,
				roll_number       TEXT,
				batch             TEXT,
				branch            TEXT,
				password_hash     TEXT,
				has_password_auth INTEGER NOT NULL DEFAULT 0,
				profile_completed INTEGER NOT NULL DEFAULT 0,
				created_at        INTEGER NOT NULL,
				updated_at        INTEGER NOT NULL
			);`,
		"auth_requests": `
			CREATE TABLE IF NOT EXISTS auth_requests (
				request_id       TEXT PRIMARY KEY,
				frozen_origin    TEXT NOT NULL,
				status           TEXT NOT NULL,
				user_id          TEXT,
				claim_token      TEXT,
				claim_expires_at INTEGER,
				created_at       INTEGER NOT NULL,
				expires_at       INTEGER NOT NULL
			);`,
		"otps": `
			CREATE TABLE IF NOT EXISTS otps (
				id         INTEGER PRIMARY KEY,
				email      TEXT NOT NULL,
				code       TEXT NOT NULL,
				otp_type   TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				expires_at INTEGER NOT NULL
			);`,
	}
	for name, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init %s table: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateUser(u User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, email, username, roll_number, batch, branch,
			password_hash, has_password_auth, profile_completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Username, u.RollNumber, u.Batch, u.Branch,
		u.PasswordHash, boolToInt(u.HasPasswordAuth), boolToInt(u.ProfileCompleted),
		u.CreatedAt.Unix(), u.UpdatedAt.Unix())
	return err
}

func (s *SQLiteStore) UserByEmail(email string) (User, bool, error) {
	return s.scanUser(s.db.QueryRow(userSelect+" WHERE email = ?", email))
}

func (s *SQLiteStore) UserByID(id string) (User, bool, error) {
	return s.scanUser(s.db.QueryRow(userSelect+" WHERE id = ?", id))
}

func (s *SQLiteStore) UsernameTaken(username, excludeUserID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM users WHERE username = ? AND id != ?",
		username, excludeUserID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) UpdateUser(u User) error {
	_, err := s.db.Exec(`
		UPDATE users SET username = ?, roll_number = ?, batch = ?, branch = ?,
			password_hash = ?, has_password_auth = ?, profile_completed = ?, updated_at = ?
		WHERE id = ?`,
		u.Username, u.RollNumber, u.Batch, u.Branch,
		u.PasswordHash, boolToInt(u.HasPasswordAuth), boolToInt(u.ProfileCompleted),
		u.UpdatedAt.Unix(), u.ID)
	return err
}

const userSelect = `
	SELECT id, email, username, roll_number, batch, branch, password_hash,
		has_password_auth, profile_completed, created_at, updated_at
	FROM users`

func (s *SQLiteStore) scanUser(row *sql.Row) (User, bool, error) {
	var u User
	var hasPW, completed int
	var createdAt, updatedAt int64
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.RollNumber, &u.Batch,
		&u.Branch, &u.PasswordHash, &hasPW, &completed, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.HasPasswordAuth = hasPW != 0
	u.ProfileCompleted = completed != 0
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updatedAt, 0)
	return u, true, nil
}

func (s *SQLiteStore) SaveAuthRequest(req AuthRequest) error {
	_, err := s.db.Exec(`
		INSERT INTO auth_requests (request_id, frozen_origin, status, user_id,
			claim_token, claim_expires_at, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.FrozenOrigin, string(req.Status), req.UserID,
		req.ClaimToken, req.ClaimTokenExpiresAt.Unix(),
		req.CreatedAt.Unix(), req.ExpiresAt.Unix())
	return err
}

func (s *SQLiteStore) AuthRequest(requestID string) (AuthRequest, bool, error) {
	var req AuthRequest
	var status string
	var claimExp, createdAt, expiresAt int64
	err := s.db.QueryRow(`
		SELECT request_id, frozen_origin, status, user_id, claim_token,
			claim_expires_at, created_at, expires_at
		FROM auth_requests WHERE request_id = ?`, requestID).Scan(
		&req.RequestID, &req.FrozenOrigin, &status, &req.UserID,
		&req.ClaimToken, &claimExp, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return AuthRequest{}, false, nil
	}
	if err != nil {
		return AuthRequest{}, false, err
	}
	req.Status = AuthRequestStatus(status)
	req.ClaimTokenExpiresAt = time.Unix(claimExp, 0)
	req.CreatedAt = time.Unix(createdAt, 0)
	req.ExpiresAt = time.Unix(expiresAt, 0)
	return req, true, nil
}

func (s *SQLiteStore) MarkAuthenticated(requestID, userID, claimToken string, claimExpiresAt, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE auth_requests
		SET status = ?, user_id = ?, claim_token = ?, claim_expires_at = ?
		WHERE request_id = ? AND status = ? AND expires_at > ?`,
		string(StatusAuthenticated), userID, claimToken, claimExpiresAt.Unix(),
		requestID, string(StatusWaiting), now.Unix())
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *SQLiteStore) ConsumeAuthRequest(requestID, claimToken string) (bool, error) {
	res, err := s.db.Exec(`
		DELETE FROM auth_requests
		WHERE request_id = ? AND claim_token = ? AND status = ?`,
		requestID, claimToken, string(StatusAuthenticated))
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *SQLiteStore) DeleteAuthRequest(requestID string) error {
	_, err := s.db.Exec("DELETE FROM auth_requests WHERE request_id = ?", requestID)
	return err
}

func (s *SQLiteStore) PurgeExpiredAuthRequests(now time.Time) error {
	_, err := s.db.Exec("DELETE FROM auth_requests WHERE expires_at < ?", now.Unix())
	return err
}

func (s *SQLiteStore) SaveOTP(rec OTPRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO otps (email, code, otp_type, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Email, rec.Code, rec.Type, rec.CreatedAt.Unix(), rec.ExpiresAt.Unix())
	return err
}

func (s *SQLiteStore) DeleteOTPs(email, otpType string) error {
	_, err := s.db.Exec(
		"DELETE FROM otps WHERE email = ? AND otp_type = ?",
		email, otpType)
	return err
}

func (s *SQLiteStore) ConsumeOTP(email, code, otpType string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		DELETE FROM otps WHERE id IN (
			SELECT id FROM otps
			WHERE email = ? AND code = ? AND otp_type = ? AND expires_at > ?
			LIMIT 1
		)`, email, code, otpType, now.Unix())
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *SQLiteStore) PurgeExpiredOTPs(now time.Time) error {
	_, err := s.db.Exec("DELETE FROM otps WHERE expires_at < ?", now.Unix())
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
