package apikey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InsertKey(ctx context.Context, key Key) error {
	var expiresAt any
	if key.ExpiresAt != nil {
		expiresAt = key.ExpiresAt.UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, name, key_prefix, key_hash, scopes, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, key.ID, key.UserID, key.Name, key.Prefix, key.Hash, strings.Join(key.Scopes, ","), expiresAt, key.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}

	return nil
}

func (r *Repository) GetKeyByHash(ctx context.Context, hash string) (Key, error) {
	return r.scanKey(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, key_prefix, key_hash, scopes, expires_at, revoked_at, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1
	`, hash))
}

func (r *Repository) GetUserKey(ctx context.Context, userID, keyID string) (Key, error) {
	return r.scanKey(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, key_prefix, key_hash, scopes, expires_at, revoked_at, last_used_at, created_at
		FROM api_keys
		WHERE id = $1 AND user_id = $2
	`, keyID, userID))
}

func (r *Repository) ListUserKeys(ctx context.Context, userID string) ([]Key, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, key_prefix, key_hash, scopes, expires_at, revoked_at, last_used_at, created_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := []Key{}
	for rows.Next() {
		key, err := r.scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}

	return keys, nil
}

// RevokeKey marks the key revoked and reports whether a key with that id
// belongs to the user. Re-revoking keeps the original timestamp.
func (r *Repository) RevokeKey(ctx context.Context, userID, keyID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		SET revoked_at = COALESCE(revoked_at, $3)
		WHERE id = $1 AND user_id = $2
	`, keyID, userID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke api key rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *Repository) UpdateKeySecret(ctx context.Context, userID, keyID, prefix, hash string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		SET key_prefix = $3, key_hash = $4
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL
	`, keyID, userID, prefix, hash)
	if err != nil {
		return false, fmt.Errorf("update api key secret: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update api key secret rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *Repository) TouchKeyUsage(ctx context.Context, keyID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		SET last_used_at = $2
		WHERE id = $1
	`, keyID, now.UTC())
	if err != nil {
		return fmt.Errorf("touch api key usage: %w", err)
	}

	return nil
}

// CleanupStaleKeys removes keys that have been revoked or expired for longer
// than the retention window, in bounded batches.
func (r *Repository) CleanupStaleKeys(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM api_keys
			WHERE (revoked_at IS NOT NULL AND revoked_at < $1)
			   OR (expires_at IS NOT NULL AND expires_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM api_keys k
		USING stale
		WHERE k.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale api keys: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale api keys rows affected: %w", err)
	}

	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanKey(scanner rowScanner) (Key, error) {
	var key Key
	var scopes string
	var expiresAt, revokedAt, lastUsedAt sql.NullTime
	err := scanner.Scan(&key.ID, &key.UserID, &key.Name, &key.Prefix, &key.Hash,
		&scopes, &expiresAt, &revokedAt, &lastUsedAt, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, err
		}
		return Key{}, fmt.Errorf("scan api key: %w", err)
	}

	if scopes != "" {
		key.Scopes = strings.Split(scopes, ",")
	}
	if expiresAt.Valid {
		value := expiresAt.Time.UTC()
		key.ExpiresAt = &value
	}
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		key.RevokedAt = &value
	}
	if lastUsedAt.Valid {
		value := lastUsedAt.Time.UTC()
		key.LastUsedAt = &value
	}

	return key, nil
}
