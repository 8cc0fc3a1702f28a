package auth

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func setupAuthRepo(t *testing.T) (*Repository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return NewRepository(db), mock, func() { db.Close() }
}

func userColumns() []string {
	return []string{"id", "username", "password_hash", "email_encrypted", "role", "disabled_at", "last_login_at", "created_at", "updated_at"}
}

func TestGetUserByUsername(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	createdAt := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("stargazer").
		WillReturnRows(sqlmock.NewRows(userColumns()).
			AddRow("user-1", "stargazer", "$argon2id$digest", "enc-email", "user", nil, nil, createdAt, createdAt))

	user, err := repo.GetUserByUsername(context.Background(), "stargazer")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user.ID != "user-1" || user.Role != RoleUser {
		t.Errorf("user = %+v, want id user-1 role user", user)
	}
	if user.DisabledAt != nil || user.LastLoginAt != nil {
		t.Error("nullable timestamps should be nil")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"})

	err := repo.CreateUser(context.Background(), User{ID: "user-1", Username: "stargazer"})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("CreateUser duplicate = %v, want ErrUsernameTaken", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegisterFailedAttemptCountsUp(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_login_attempts")).
		WithArgs("stargazer").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(2, nil))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth_login_attempts")).
		WithArgs("stargazer", 3, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lockedUntil, err := repo.RegisterFailedAttempt(context.Background(), "stargazer", 5, 30*time.Minute, now)
	if err != nil {
		t.Fatalf("RegisterFailedAttempt: %v", err)
	}
	if lockedUntil != nil {
		t.Errorf("lockedUntil = %v, want nil below the threshold", lockedUntil)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegisterFailedAttemptLocksAtThreshold(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wantUntil := now.Add(30 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_login_attempts")).
		WithArgs("stargazer").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(4, nil))
	// Counter resets to zero when the lock starts.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth_login_attempts")).
		WithArgs("stargazer", 0, wantUntil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lockedUntil, err := repo.RegisterFailedAttempt(context.Background(), "stargazer", 5, 30*time.Minute, now)
	if err != nil {
		t.Fatalf("RegisterFailedAttempt: %v", err)
	}
	if lockedUntil == nil || !lockedUntil.Equal(wantUntil) {
		t.Errorf("lockedUntil = %v, want %v", lockedUntil, wantUntil)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegisterFailedAttemptStandingLock(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	standing := now.Add(10 * time.Minute)

	// A lock already in effect short-circuits: no upsert, counter untouched.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_login_attempts")).
		WithArgs("stargazer").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(0, standing))
	mock.ExpectCommit()

	lockedUntil, err := repo.RegisterFailedAttempt(context.Background(), "stargazer", 5, 30*time.Minute, now)
	if err != nil {
		t.Fatalf("RegisterFailedAttempt: %v", err)
	}
	if lockedUntil == nil || !lockedUntil.Equal(standing) {
		t.Errorf("lockedUntil = %v, want %v", lockedUntil, standing)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func familyColumns() []string {
	return []string{"user_id", "current_jti", "issued_count", "revoked_at", "expires_at"}
}

func TestRotateTokenFamilyAdvancesMarker(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newExpiry := now.Add(7 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_token_families")).
		WithArgs("fam-1").
		WillReturnRows(sqlmock.NewRows(familyColumns()).
			AddRow("user-1", "hash-current", 3, nil, now.Add(24*time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE auth_token_families")).
		WithArgs("fam-1", "hash-next", newExpiry, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	family, err := repo.RotateTokenFamily(context.Background(), "fam-1", "hash-current", "hash-next", newExpiry, now)
	if err != nil {
		t.Fatalf("RotateTokenFamily: %v", err)
	}
	if family.CurrentJTI != "hash-next" {
		t.Errorf("CurrentJTI = %q, want hash-next", family.CurrentJTI)
	}
	if family.IssuedCount != 4 {
		t.Errorf("IssuedCount = %d, want 4", family.IssuedCount)
	}
	if family.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", family.UserID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRotateTokenFamilyDetectsReuse(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Presented marker is stale: the family is revoked and the revocation is
	// committed before the error returns.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_token_families")).
		WithArgs("fam-1").
		WillReturnRows(sqlmock.NewRows(familyColumns()).
			AddRow("user-1", "hash-current", 3, nil, now.Add(24*time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("SET revoked_at = $2, reuse_detected_at = $2")).
		WithArgs("fam-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := repo.RotateTokenFamily(context.Background(), "fam-1", "hash-stale", "hash-next", now.Add(time.Hour), now)
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("RotateTokenFamily(stale) = %v, want ErrReuseDetected", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRotateTokenFamilyRevoked(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_token_families")).
		WithArgs("fam-1").
		WillReturnRows(sqlmock.NewRows(familyColumns()).
			AddRow("user-1", "hash-current", 3, now.Add(-time.Hour), now.Add(24*time.Hour)))
	mock.ExpectRollback()

	_, err := repo.RotateTokenFamily(context.Background(), "fam-1", "hash-current", "hash-next", now.Add(time.Hour), now)
	if !errors.Is(err, ErrFamilyRevoked) {
		t.Fatalf("RotateTokenFamily(revoked) = %v, want ErrFamilyRevoked", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRotateTokenFamilyUnknown(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_token_families")).
		WithArgs("fam-missing").
		WillReturnRows(sqlmock.NewRows(familyColumns()))
	mock.ExpectRollback()

	_, err := repo.RotateTokenFamily(context.Background(), "fam-missing", "hash-a", "hash-b", now.Add(time.Hour), now)
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("RotateTokenFamily(unknown) = %v, want ErrInvalidRefreshToken", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRevokeUserTokenFamilies(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE auth_token_families")).
		WithArgs("user-1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := repo.RevokeUserTokenFamilies(context.Background(), "user-1", now); err != nil {
		t.Fatalf("RevokeUserTokenFamilies: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCleanupStaleAuthData(t *testing.T) {
	repo, mock, cleanup := setupAuthRepo(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM auth_token_families")).
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM auth_login_attempts")).
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnResult(sqlmock.NewResult(0, 2))

	result, err := repo.CleanupStaleAuthData(context.Background(), 14*24*time.Hour, 30*24*time.Hour, 100)
	if err != nil {
		t.Fatalf("CleanupStaleAuthData: %v", err)
	}
	if result.DeletedTokenFamilies != 7 || result.DeletedLoginAttempts != 2 {
		t.Errorf("result = %+v, want 7 families and 2 attempts", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
