package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// FamilyStore persists refresh token families. Implementations must apply
// each rotation atomically per family so concurrent presenters of the same
// refresh token resolve to exactly one winner.
type FamilyStore interface {
	CreateTokenFamily(ctx context.Context, family TokenFamily) error
	// RotateTokenFamily advances the family's consumed-token marker. It
	// returns ErrInvalidRefreshToken when the family is unknown or past
	// expiry, ErrFamilyRevoked when it was revoked earlier, and
	// ErrReuseDetected after revoking the family when presentedJTIHash no
	// longer matches the current marker.
	RotateTokenFamily(ctx context.Context, familyID, presentedJTIHash, nextJTIHash string, expiresAt, now time.Time) (TokenFamily, error)
	RevokeTokenFamily(ctx context.Context, familyID string, now time.Time) error
	RevokeUserTokenFamilies(ctx context.Context, userID string, now time.Time) error
}

// TokenService issues and verifies HS256 token pairs. Access tokens are
// stateless; refresh tokens are single-use and tracked by family.
type TokenService struct {
	store      FamilyStore
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenService(store FamilyStore, jwtSecret string) *TokenService {
	return &TokenService{
		store:      store,
		secret:     []byte(jwtSecret),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
}

// WithTTLs overrides the token lifetimes. Zero or negative values keep the
// current setting.
func (s *TokenService) WithTTLs(accessTTL, refreshTTL time.Duration) {
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

// Issue starts a new token family for the user and returns its first pair.
func (s *TokenService) Issue(ctx context.Context, user User) (Tokens, error) {
	familyID, err := uuid.NewV7()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate family id: %w", err)
	}

	jti, err := randomToken(16)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate refresh jti: %w", err)
	}

	now := s.now().UTC()
	family := TokenFamily{
		ID:          familyID.String(),
		UserID:      user.ID,
		CurrentJTI:  hashJTI(jti),
		IssuedCount: 1,
		ExpiresAt:   now.Add(s.refreshTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTokenFamily(ctx, family); err != nil {
		return Tokens{}, err
	}

	return s.signPair(user.ID, user.Role, family.ID, jti, now)
}

// Rotate exchanges a live refresh token for a fresh pair in the same family.
// A token that was already exchanged revokes the whole family before
// ErrReuseDetected is returned, so the rotation loser cannot keep a session.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (Tokens, string, error) {
	parsed, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return Tokens{}, "", err
	}
	if parsed.jti == "" || parsed.family == "" {
		return Tokens{}, "", ErrInvalidRefreshToken
	}

	nextJTI, err := randomToken(16)
	if err != nil {
		return Tokens{}, "", fmt.Errorf("generate refresh jti: %w", err)
	}

	now := s.now().UTC()
	family, err := s.store.RotateTokenFamily(ctx, parsed.family, hashJTI(parsed.jti), hashJTI(nextJTI), now.Add(s.refreshTTL), now)
	if err != nil {
		return Tokens{}, "", err
	}

	tokens, err := s.signPair(family.UserID, parsed.role, family.ID, nextJTI, now)
	if err != nil {
		return Tokens{}, "", err
	}
	return tokens, family.UserID, nil
}

// Revoke ends the presented refresh token's entire family. It returns the
// owning user id for the audit trail.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) (string, error) {
	parsed, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return "", ErrInvalidRefreshToken
	}
	if parsed.family == "" {
		return "", ErrInvalidRefreshToken
	}
	if err := s.store.RevokeTokenFamily(ctx, parsed.family, s.now().UTC()); err != nil {
		return "", err
	}
	return parsed.userID, nil
}

// RevokeAllForUser ends every active session for the user, e.g. after a
// password change.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID string) error {
	return s.store.RevokeUserTokenFamilies(ctx, userID, s.now().UTC())
}

// VerifyAccess checks an access token statelessly and returns its claims.
func (s *TokenService) VerifyAccess(tokenString string) (Claims, error) {
	parsed, err := s.parse(tokenString, tokenTypeAccess)
	if err != nil {
		return Claims{}, err
	}
	return Claims{
		UserID:    parsed.userID,
		Role:      parsed.role,
		Family:    parsed.family,
		ExpiresAt: parsed.expiresAt,
	}, nil
}

type parsedToken struct {
	userID    string
	role      string
	family    string
	jti       string
	expiresAt time.Time
}

func (s *TokenService) parse(tokenString, wantType string) (parsedToken, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return parsedToken{}, ErrTokenExpired
		}
		return parsedToken{}, ErrInvalidSignature
	}
	if !token.Valid {
		return parsedToken{}, ErrInvalidSignature
	}

	typ, _ := claims["typ"].(string)
	if typ != wantType {
		return parsedToken{}, ErrInvalidSignature
	}

	parsed := parsedToken{}
	parsed.userID, _ = claims["sub"].(string)
	parsed.role, _ = claims["role"].(string)
	parsed.family, _ = claims["fam"].(string)
	parsed.jti, _ = claims["jti"].(string)
	if parsed.userID == "" {
		return parsedToken{}, ErrInvalidSignature
	}
	if exp, expErr := claims.GetExpirationTime(); expErr == nil && exp != nil {
		parsed.expiresAt = exp.Time
	}
	return parsed, nil
}

func (s *TokenService) signPair(userID, role, familyID, refreshJTI string, now time.Time) (Tokens, error) {
	accessJTI, err := randomToken(16)
	if err != nil {
		return Tokens{}, fmt.Errorf("generate access jti: %w", err)
	}

	access, err := s.sign(jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"fam":  familyID,
		"jti":  accessJTI,
		"iat":  now.Unix(),
		"exp":  now.Add(s.accessTTL).Unix(),
		"typ":  tokenTypeAccess,
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := s.sign(jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"fam":  familyID,
		"jti":  refreshJTI,
		"iat":  now.Unix(),
		"exp":  now.Add(s.refreshTTL).Unix(),
		"typ":  tokenTypeRefresh,
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *TokenService) sign(claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashJTI(jti string) string {
	sum := sha256.Sum256([]byte(jti))
	return hex.EncodeToString(sum[:])
}
