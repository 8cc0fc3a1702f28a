package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	DeletedTokenFamilies int64 `json:"deleted_token_families"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, email_encrypted, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Username, user.PasswordHash, user.EncryptedEmail, user.Role, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, email_encrypted, role, disabled_at, last_login_at, created_at, updated_at
		FROM users
		WHERE username = $1
	`, username))
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, email_encrypted, role, disabled_at, last_login_at, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id))
}

func (r *Repository) scanUser(row *sql.Row) (User, error) {
	var user User
	var disabledAt, lastLoginAt sql.NullTime
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.EncryptedEmail,
		&user.Role, &disabledAt, &lastLoginAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	if disabledAt.Valid {
		value := disabledAt.Time.UTC()
		user.DisabledAt = &value
	}
	if lastLoginAt.Valid {
		value := lastLoginAt.Time.UTC()
		user.LastLoginAt = &value
	}

	return user, nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, now.UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	return nil
}

func (r *Repository) TouchLastLogin(ctx context.Context, userID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}

	return nil
}

// UpsertAdmin creates or refreshes the bootstrap administrator account keyed
// by username. Existing non-admin rows with the same username are promoted.
func (r *Repository) UpsertAdmin(ctx context.Context, user User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, email_encrypted, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (username)
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			email_encrypted = EXCLUDED.email_encrypted,
			role = EXCLUDED.role,
			disabled_at = NULL,
			updated_at = EXCLUDED.updated_at
	`, user.ID, user.Username, user.PasswordHash, user.EncryptedEmail, RoleAdmin, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert admin user: %w", err)
	}

	return nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, identity string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Identity = identity

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE identity = $1
	`, identity).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

// RegisterFailedAttempt increments the identity's failure counter under a row
// lock and starts a lockout when the threshold is reached. The counter resets
// to zero at lock time so the next window starts clean. Attempts made while a
// lock is in effect do not advance the counter.
func (r *Repository) RegisterFailedAttempt(ctx context.Context, identity string, maxAttempts int, lockWindow time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login attempt tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE identity = $1
		FOR UPDATE
	`, identity).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			failed = 0
			lockedUntil = sql.NullTime{}
		} else {
			return nil, fmt.Errorf("lock login attempt row: %w", err)
		}
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any = nil
	if failed >= maxAttempts {
		until := now.UTC().Add(lockWindow)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (identity, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, identity, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert failed login attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login attempt tx: %w", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, identity string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE identity = $1
	`, identity)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}

	return nil
}

func (r *Repository) CreateTokenFamily(ctx context.Context, family TokenFamily) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_token_families (id, user_id, current_jti, issued_count, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, family.ID, family.UserID, family.CurrentJTI, family.IssuedCount,
		family.ExpiresAt.UTC(), family.CreatedAt.UTC(), family.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert token family: %w", err)
	}

	return nil
}

// RotateTokenFamily advances the family marker under a row lock. When the
// presented hash does not match the current marker the token was already
// exchanged once: the family is revoked, the revocation is committed, and
// ErrReuseDetected is returned. Concurrent rotations of the same token
// therefore resolve to one winner and one detected reuse.
func (r *Repository) RotateTokenFamily(ctx context.Context, familyID, presentedJTIHash, nextJTIHash string, expiresAt, now time.Time) (TokenFamily, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return TokenFamily{}, fmt.Errorf("begin token rotation tx: %w", err)
	}
	defer tx.Rollback()

	var family TokenFamily
	family.ID = familyID
	var revokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, current_jti, issued_count, revoked_at, expires_at
		FROM auth_token_families
		WHERE id = $1
		FOR UPDATE
	`, familyID).Scan(&family.UserID, &family.CurrentJTI, &family.IssuedCount, &revokedAt, &family.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenFamily{}, ErrInvalidRefreshToken
		}
		return TokenFamily{}, fmt.Errorf("lock token family row: %w", err)
	}

	if revokedAt.Valid {
		return TokenFamily{}, ErrFamilyRevoked
	}
	if now.After(family.ExpiresAt.UTC()) {
		return TokenFamily{}, ErrInvalidRefreshToken
	}

	if family.CurrentJTI != presentedJTIHash {
		_, err = tx.ExecContext(ctx, `
			UPDATE auth_token_families
			SET revoked_at = $2, reuse_detected_at = $2, updated_at = $2
			WHERE id = $1
		`, familyID, now.UTC())
		if err != nil {
			return TokenFamily{}, fmt.Errorf("revoke reused token family: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return TokenFamily{}, fmt.Errorf("commit reuse revocation tx: %w", err)
		}
		return TokenFamily{}, ErrReuseDetected
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_token_families
		SET current_jti = $2, issued_count = issued_count + 1, expires_at = $3, updated_at = $4
		WHERE id = $1
	`, familyID, nextJTIHash, expiresAt.UTC(), now.UTC())
	if err != nil {
		return TokenFamily{}, fmt.Errorf("advance token family: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TokenFamily{}, fmt.Errorf("commit token rotation tx: %w", err)
	}

	family.CurrentJTI = nextJTIHash
	family.IssuedCount++
	family.ExpiresAt = expiresAt.UTC()
	family.UpdatedAt = now.UTC()

	return family, nil
}

func (r *Repository) RevokeTokenFamily(ctx context.Context, familyID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_token_families
		SET revoked_at = COALESCE(revoked_at, $2), updated_at = $2
		WHERE id = $1
	`, familyID, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}

	return nil
}

func (r *Repository) RevokeUserTokenFamilies(ctx context.Context, userID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_token_families
		SET revoked_at = $2, updated_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke user token families: %w", err)
	}

	return nil
}

// CleanupStaleAuthData removes expired or long-revoked token families and
// settled login attempt rows in bounded batches. Audit rows are never
// touched here.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, familyRetention, loginAttemptRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if familyRetention <= 0 {
		familyRetention = 14 * 24 * time.Hour
	}
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}

	familyCutoff := time.Now().UTC().Add(-familyRetention)
	loginCutoff := time.Now().UTC().Add(-loginAttemptRetention)

	deletedFamilies, err := r.deleteStaleTokenFamilies(ctx, familyCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLoginAttempts, err := r.deleteStaleLoginAttempts(ctx, loginCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedTokenFamilies: deletedFamilies,
		DeletedLoginAttempts: deletedLoginAttempts,
	}, nil
}

func (r *Repository) deleteStaleTokenFamilies(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_token_families
			WHERE expires_at < NOW() OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_token_families t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale token families: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale token families rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleLoginAttempts(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT identity
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.identity = stale.identity
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login attempts rows affected: %w", err)
	}

	return affected, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
