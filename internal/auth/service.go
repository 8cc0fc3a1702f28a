package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"neo-guardian/internal/fieldcrypt"
	"neo-guardian/internal/password"
)

// UserStore persists accounts. The only credential material it ever sees is
// the Argon2id digest and the encrypted email.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string, now time.Time) error
	TouchLastLogin(ctx context.Context, userID string, now time.Time) error
	UpsertAdmin(ctx context.Context, user User) error
}

// decoyDigest is a well-formed digest of no real password. Logins for unknown
// usernames verify against it so they cost the same as a wrong password for an
// existing account.
const decoyDigest = "$argon2id$v=19$m=65536,t=3,p=4$F8PAw2aPFpSo2A+0xNGMOg$2EdSme13ShXdlR0foYDq4RCamtiwTtvpbF3KQLspGM4"

type Service struct {
	users  UserStore
	guard  *Guard
	tokens *TokenService
	hasher *password.Hasher
	cipher *fieldcrypt.Cipher
	logger *zap.Logger
	now    func() time.Time
}

func NewService(users UserStore, guard *Guard, tokens *TokenService, hasher *password.Hasher, cipher *fieldcrypt.Cipher, logger *zap.Logger) *Service {
	return &Service{
		users:  users,
		guard:  guard,
		tokens: tokens,
		hasher: hasher,
		cipher: cipher,
		logger: logger,
		now:    time.Now,
	}
}

// Register creates a user account. The password must satisfy the strength
// policy; the email is encrypted before it reaches storage.
func (s *Service) Register(ctx context.Context, username, plainPassword, email string) (Profile, error) {
	username = strings.TrimSpace(strings.ToLower(username))

	if err := password.Validate(plainPassword); err != nil {
		return Profile{}, err
	}

	hash, err := s.hasher.Hash(ctx, plainPassword)
	if err != nil {
		return Profile{}, fmt.Errorf("hash password: %w", err)
	}

	encryptedEmail := ""
	if email != "" {
		encryptedEmail, err = s.cipher.Encrypt(email)
		if err != nil {
			return Profile{}, fmt.Errorf("encrypt email: %w", err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Profile{}, fmt.Errorf("generate user id: %w", err)
	}

	now := s.now().UTC()
	user := User{
		ID:             id.String(),
		Username:       username,
		PasswordHash:   hash,
		EncryptedEmail: encryptedEmail,
		Role:           RoleUser,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return Profile{}, err
	}

	return Profile{
		ID:        user.ID,
		Username:  user.Username,
		Email:     email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}, nil
}

// Login verifies credentials and starts a session. Unknown usernames and
// wrong passwords are indistinguishable to the caller; both count toward the
// lockout threshold.
func (s *Service) Login(ctx context.Context, username, plainPassword string) (Tokens, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	plainPassword = strings.TrimSpace(plainPassword)

	if username == "" || plainPassword == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	locked, until, err := s.guard.IsLocked(ctx, username)
	if err != nil {
		return Tokens{}, err
	}
	if locked {
		return Tokens{}, ErrAccountLocked{Until: until}
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.hasher.Verify(ctx, plainPassword, decoyDigest)
			return Tokens{}, s.failAttempt(ctx, username)
		}
		return Tokens{}, err
	}

	if user.DisabledAt != nil {
		return Tokens{}, ErrAccountDisabled
	}

	if !s.hasher.Verify(ctx, plainPassword, user.PasswordHash) {
		return Tokens{}, s.failAttempt(ctx, username)
	}

	if err := s.guard.RecordSuccess(ctx, username); err != nil {
		return Tokens{}, err
	}

	now := s.now().UTC()
	if s.hasher.NeedsRehash(user.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(ctx, plainPassword); hashErr == nil {
			if updErr := s.users.UpdatePasswordHash(ctx, user.ID, newHash, now); updErr != nil {
				s.logger.Warn("password_rehash_failed", zap.String("user_id", user.ID), zap.Error(updErr))
			}
		}
	}

	if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("last_login_update_failed", zap.String("user_id", user.ID), zap.Error(err))
	}

	return s.tokens.Issue(ctx, user)
}

// failAttempt records one failure and translates a fresh or standing lock
// into ErrAccountLocked.
func (s *Service) failAttempt(ctx context.Context, username string) error {
	lockedUntil, err := s.guard.RecordFailure(ctx, username)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		return ErrAccountLocked{Until: *lockedUntil}
	}
	return ErrInvalidCredentials
}

// Refresh rotates a refresh token and returns the new pair plus the owning
// user id.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, string, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, "", ErrInvalidRefreshToken
	}
	return s.tokens.Rotate(ctx, refreshToken)
}

// Logout revokes the refresh token's whole family.
func (s *Service) Logout(ctx context.Context, refreshToken string) (string, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return "", ErrInvalidRefreshToken
	}
	return s.tokens.Revoke(ctx, refreshToken)
}

// ChangePassword swaps the user's credential after re-verification and ends
// every active session so stolen refresh tokens die with the old password.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidCredentials
		}
		return err
	}

	if !s.hasher.Verify(ctx, currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}

	if err := password.Validate(newPassword); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.users.UpdatePasswordHash(ctx, userID, hash, s.now().UTC()); err != nil {
		return err
	}

	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		s.logger.Warn("session_revocation_failed", zap.String("user_id", userID), zap.Error(err))
	}

	return nil
}

// Me returns the caller's profile with the email decrypted for display.
func (s *Service) Me(ctx context.Context, userID string) (Profile, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	email := ""
	if user.EncryptedEmail != "" {
		email, err = s.cipher.Decrypt(user.EncryptedEmail)
		if err != nil {
			return Profile{}, fmt.Errorf("decrypt email: %w", err)
		}
	}

	return Profile{
		ID:          user.ID,
		Username:    user.Username,
		Email:       email,
		Role:        user.Role,
		CreatedAt:   user.CreatedAt,
		LastLoginAt: user.LastLoginAt,
	}, nil
}

// BootstrapAdmin provisions the administrator account from configuration.
// Both values empty means no bootstrap; only one set is a configuration
// error.
func (s *Service) BootstrapAdmin(ctx context.Context, adminUsername, adminPassword, adminEmail string) error {
	adminUsername = strings.TrimSpace(strings.ToLower(adminUsername))
	adminPassword = strings.TrimSpace(adminPassword)

	if adminUsername == "" && adminPassword == "" {
		return nil
	}
	if adminUsername == "" || adminPassword == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	if err := password.Validate(adminPassword); err != nil {
		return fmt.Errorf("admin password: %w", err)
	}

	hash, err := s.hasher.Hash(ctx, adminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	encryptedEmail := ""
	if adminEmail != "" {
		encryptedEmail, err = s.cipher.Encrypt(adminEmail)
		if err != nil {
			return fmt.Errorf("encrypt admin email: %w", err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate admin id: %w", err)
	}

	now := s.now().UTC()
	return s.users.UpsertAdmin(ctx, User{
		ID:             id.String(),
		Username:       adminUsername,
		PasswordHash:   hash,
		EncryptedEmail: encryptedEmail,
		Role:           RoleAdmin,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}
