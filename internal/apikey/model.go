package apikey

import (
	"errors"
	"time"
)

// SecretPrefix starts every issued key so leaked secrets are recognizable in
// scanners and logs.
const SecretPrefix = "neo_"

var (
	ErrInvalidKey   = errors.New("invalid api key")
	ErrExpiredKey   = errors.New("api key expired")
	ErrRevokedKey   = errors.New("api key revoked")
	ErrKeyNotFound  = errors.New("api key not found")
	ErrInvalidName  = errors.New("invalid key name")
	ErrUnknownScope = errors.New("unknown scope")
	ErrAdminScope   = errors.New("admin scope requires an administrator session")
)

// Key is the stored record of an API key. The secret itself exists only in
// the creation response; Hash is the one-way digest used for verification.
type Key struct {
	ID         string     `json:"id"`
	UserID     string     `json:"-"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Hash       string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HasScope reports exact membership; no scope implies another.
func (k Key) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
