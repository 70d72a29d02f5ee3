package metadatastore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tagvault/filestore/internal/id"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("metadatastore: not found")

// User is a row of the users table.
type User struct {
	UserID       id.ID
	Username     string
	PasswordHash string
	APIKey       sql.NullString
	CreatedAt    int64
	KeyUpdatedAt sql.NullInt64
}

// GetUserByUsername looks up a user by username.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	row := s.DB.QueryRow(
		`SELECT user_id, username, password_hash, api_key, created_at, key_updated_at
		 FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID looks up a user by user_id.
func (s *Store) GetUserByID(userID id.ID) (*User, error) {
	row := s.DB.QueryRow(
		`SELECT user_id, username, password_hash, api_key, created_at, key_updated_at
		 FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.UserID, &u.Username, &u.PasswordHash, &u.APIKey, &u.CreatedAt, &u.KeyUpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadatastore: get user: %w", err)
	}
	return &u, nil
}

// InsertUser inserts a brand-new user row within tx.
func InsertUser(tx *sql.Tx, u User) error {
	_, err := tx.Exec(
		`INSERT INTO users (user_id, username, password_hash, api_key, created_at, key_updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.UserID, u.Username, u.PasswordHash, u.APIKey, u.CreatedAt, u.KeyUpdatedAt)
	if err != nil {
		return fmt.Errorf("metadatastore: insert user: %w", err)
	}
	return nil
}

// ReplaceUserByUsername overwrites the user row matching username with a
// conflict-resolution winner's fields.
func ReplaceUserByUsername(tx *sql.Tx, username string, u User) error {
	_, err := tx.Exec(
		`UPDATE users SET user_id = ?, password_hash = ?, api_key = ?, created_at = ?, key_updated_at = ?
		 WHERE username = ?`,
		u.UserID, u.PasswordHash, u.APIKey, u.CreatedAt, u.KeyUpdatedAt, username)
	if err != nil {
		return fmt.Errorf("metadatastore: replace user: %w", err)
	}
	return nil
}

// UpdateAPIKey updates a user's API key and key_updated_at within tx.
func UpdateAPIKey(tx *sql.Tx, userID id.ID, newAPIKey string, keyUpdatedAt int64) error {
	_, err := tx.Exec(
		`UPDATE users SET api_key = ?, key_updated_at = ? WHERE user_id = ?`,
		newAPIKey, keyUpdatedAt, userID)
	if err != nil {
		return fmt.Errorf("metadatastore: update api key: %w", err)
	}
	return nil
}
