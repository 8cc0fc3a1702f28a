package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"neo-guardian/internal/auth"
)

const (
	prefixLength  = 8
	maxNameLength = 100
	secretBytes   = 32
)

type KeyStore interface {
	InsertKey(ctx context.Context, key Key) error
	GetKeyByHash(ctx context.Context, hash string) (Key, error)
	GetUserKey(ctx context.Context, userID, keyID string) (Key, error)
	ListUserKeys(ctx context.Context, userID string) ([]Key, error)
	RevokeKey(ctx context.Context, userID, keyID string, now time.Time) (bool, error)
	UpdateKeySecret(ctx context.Context, userID, keyID, prefix, hash string) (bool, error)
	TouchKeyUsage(ctx context.Context, keyID string, now time.Time) error
}

type Service struct {
	store  KeyStore
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store KeyStore, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Create mints a new API key. The returned secret is shown exactly once;
// only its digest is stored. Keys carrying the admin scope can only be
// created from an administrator session.
func (s *Service) Create(ctx context.Context, userID, role, name string, scopes []string, ttl time.Duration) (Key, string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return Key{}, "", ErrInvalidName
	}

	normalized, err := normalizeScopes(scopes)
	if err != nil {
		return Key{}, "", err
	}
	if contains(normalized, auth.ScopeAdmin) && role != auth.RoleAdmin {
		return Key{}, "", ErrAdminScope
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Key{}, "", fmt.Errorf("generate key id: %w", err)
	}
	secret, err := generateSecret()
	if err != nil {
		return Key{}, "", err
	}

	now := s.now().UTC()
	key := Key{
		ID:        id.String(),
		UserID:    userID,
		Name:      name,
		Prefix:    secret[:prefixLength],
		Hash:      hashSecret(secret),
		Scopes:    normalized,
		CreatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		key.ExpiresAt = &expires
	}

	if err := s.store.InsertKey(ctx, key); err != nil {
		return Key{}, "", err
	}

	return key, secret, nil
}

// Verify authenticates a presented secret. Revoked and expired keys are
// rejected with distinct internal errors; callers answer uniformly.
func (s *Service) Verify(ctx context.Context, presented string) (Key, error) {
	presented = strings.TrimSpace(presented)
	if !strings.HasPrefix(presented, SecretPrefix) {
		return Key{}, ErrInvalidKey
	}

	key, err := s.store.GetKeyByHash(ctx, hashSecret(presented))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, ErrInvalidKey
		}
		return Key{}, err
	}

	if key.RevokedAt != nil {
		return Key{}, ErrRevokedKey
	}
	if key.ExpiresAt != nil && s.now().UTC().After(*key.ExpiresAt) {
		return Key{}, ErrExpiredKey
	}

	if err := s.store.TouchKeyUsage(ctx, key.ID, s.now().UTC()); err != nil {
		s.logger.Warn("api_key_usage_update_failed", zap.String("key_id", key.ID), zap.Error(err))
	}

	return key, nil
}

// VerifyKey adapts Verify to the gateway's credential interface.
func (s *Service) VerifyKey(ctx context.Context, presented string) (auth.KeyIdentity, error) {
	key, err := s.Verify(ctx, presented)
	if err != nil {
		return auth.KeyIdentity{}, err
	}
	return auth.KeyIdentity{
		UserID: key.UserID,
		KeyID:  key.ID,
		Name:   key.Name,
		Scopes: key.Scopes,
	}, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]Key, error) {
	return s.store.ListUserKeys(ctx, userID)
}

// Revoke permanently disables one of the caller's keys. Revoking an already
// revoked key is a no-op.
func (s *Service) Revoke(ctx context.Context, userID, keyID string) error {
	found, err := s.store.RevokeKey(ctx, userID, keyID, s.now().UTC())
	if err != nil {
		return err
	}
	if !found {
		return ErrKeyNotFound
	}
	return nil
}

// Regenerate replaces the secret of an active key, invalidating the old
// secret immediately. Scopes and expiry carry over.
func (s *Service) Regenerate(ctx context.Context, userID, keyID string) (Key, string, error) {
	key, err := s.store.GetUserKey(ctx, userID, keyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, "", ErrKeyNotFound
		}
		return Key{}, "", err
	}
	if key.RevokedAt != nil {
		return Key{}, "", ErrKeyNotFound
	}

	secret, err := generateSecret()
	if err != nil {
		return Key{}, "", err
	}

	updated, err := s.store.UpdateKeySecret(ctx, userID, keyID, secret[:prefixLength], hashSecret(secret))
	if err != nil {
		return Key{}, "", err
	}
	if !updated {
		return Key{}, "", ErrKeyNotFound
	}

	key.Prefix = secret[:prefixLength]
	key.Hash = hashSecret(secret)

	return key, secret, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func normalizeScopes(scopes []string) ([]string, error) {
	if len(scopes) == 0 {
		return []string{auth.ScopeRead}, nil
	}

	normalized := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.ToLower(strings.TrimSpace(scope))
		if scope == "" {
			continue
		}
		if !contains(auth.AllowedScopes, scope) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
		}
		if !contains(normalized, scope) {
			normalized = append(normalized, scope)
		}
	}
	if len(normalized) == 0 {
		return []string{auth.ScopeRead}, nil
	}

	return normalized, nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
