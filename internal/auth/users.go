package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/shubh96git/asr-websocket-module/internal/config"
)

// UserStore holds the in-memory username to bcrypt hash mapping.
// The store is read-only after construction and safe for concurrent use.
type UserStore struct {
	hashes map[string][]byte
}

// NewUserStore builds a store from the configured users. Plaintext passwords
// are hashed at load time so the store only ever holds bcrypt hashes.
func NewUserStore(users []config.UserConfig) (*UserStore, error) {
	hashes := make(map[string][]byte, len(users))
	for _, u := range users {
		if _, exists := hashes[u.Username]; exists {
			return nil, fmt.Errorf("duplicate user %q", u.Username)
		}

		if u.PasswordHash != "" {
			hashes[u.Username] = []byte(u.PasswordHash)
			continue
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password for user %q: %w", u.Username, err)
		}
		hashes[u.Username] = hash
	}

	return &UserStore{hashes: hashes}, nil
}

// Authenticate reports whether the username and password match a stored user
func (s *UserStore) Authenticate(username, password string) bool {
	hash, ok := s.hashes[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
