package auth

import (
	"errors"
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const (
	ScopeRead   = "read"
	ScopeWrite  = "write"
	ScopeAlerts = "alerts"
	ScopeAdmin  = "admin"
)

// AllowedScopes is the closed set of permission units an API key may carry.
// Authorization is exact membership: no scope implies another.
var AllowedScopes = []string{ScopeRead, ScopeWrite, ScopeAlerts, ScopeAdmin}

// RoleScopes maps a session role to its implied scopes. API keys carry an
// explicit scope set instead.
func RoleScopes(role string) []string {
	if role == RoleAdmin {
		return []string{ScopeRead, ScopeWrite, ScopeAlerts, ScopeAdmin}
	}
	return []string{ScopeRead, ScopeWrite, ScopeAlerts}
}

type User struct {
	ID             string
	Username       string
	PasswordHash   string
	EncryptedEmail string
	Role           string
	DisabledAt     *time.Time
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Profile struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	Role        string     `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Claims are the verified fields of an access token.
type Claims struct {
	UserID    string
	Role      string
	Family    string
	ExpiresAt time.Time
}

// TokenFamily is the rotation bookkeeping for one refresh lineage. CurrentJTI
// holds the SHA-256 of the only refresh token id allowed to rotate next;
// presenting any older id proves theft and kills the family.
type TokenFamily struct {
	ID          string
	UserID      string
	CurrentJTI  string
	IssuedCount int
	RevokedAt   *time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type LoginAttempt struct {
	Identity       string
	FailedAttempts int
	LockedUntil    *time.Time
}

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountDisabled     = errors.New("account disabled")
	ErrUsernameTaken       = errors.New("username already taken")
	ErrTokenExpired        = errors.New("token expired")
	ErrInvalidSignature    = errors.New("invalid token signature")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrFamilyRevoked       = errors.New("token family revoked")
	ErrReuseDetected       = errors.New("refresh token reuse detected")
)

// ErrAccountLocked reports a lockout in effect until Until.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}
