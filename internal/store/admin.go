package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AdminUser is a local administrator credential.
type AdminUser struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"size:64;uniqueIndex" json:"username"`
	PasswordHash string    `gorm:"size:128" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// AdminSession is an opaque bearer session for the admin API, pinned to the
// creating user agent.
type AdminSession struct {
	Token     string    `gorm:"primaryKey;size:64" json:"-"`
	UserID    int64     `gorm:"index" json:"user_id"`
	UserAgent string    `gorm:"size:512" json:"-"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	bcryptCost      = 12
	sessionLifetime = 24 * time.Hour
)

// ErrBadCredentials is returned by Login on any username/password mismatch.
var ErrBadCredentials = errors.New("invalid username or password")

// HasAdmin reports whether initial setup has been completed.
func (s *Store) HasAdmin() (bool, error) {
	var count int64
	if err := s.db.Model(&AdminUser{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count admin users: %w", err)
	}
	return count > 0, nil
}

// CreateAdmin hashes the password and stores the first (or another) admin.
func (s *Store) CreateAdmin(username, password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user := AdminUser{Username: username, PasswordHash: string(hash)}
	if err = s.db.Create(&user).Error; err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}
	return nil
}

// Login verifies the credentials and mints a session token.
func (s *Store) Login(username, password, userAgent string) (string, error) {
	var user AdminUser
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrBadCredentials
		}
		return "", fmt.Errorf("failed to load admin user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", ErrBadCredentials
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	session := AdminSession{
		Token:     hex.EncodeToString(raw),
		UserID:    user.ID,
		UserAgent: userAgent,
		ExpiresAt: time.Now().Add(sessionLifetime),
	}
	if err := s.db.Create(&session).Error; err != nil {
		return "", fmt.Errorf("failed to create admin session: %w", err)
	}
	return session.Token, nil
}

// ValidateSession checks an X-Session-Token value against live sessions.
// Expired rows are removed opportunistically.
func (s *Store) ValidateSession(token, userAgent string) bool {
	if token == "" {
		return false
	}
	var session AdminSession
	if err := s.db.Where("token = ?", token).First(&session).Error; err != nil {
		return false
	}
	if time.Now().After(session.ExpiresAt) {
		_ = s.db.Delete(&session).Error
		return false
	}
	if session.UserAgent != "" && session.UserAgent != userAgent {
		return false
	}
	return true
}

// Logout invalidates the session token.
func (s *Store) Logout(token string) error {
	return s.db.Where("token = ?", token).Delete(&AdminSession{}).Error
}
