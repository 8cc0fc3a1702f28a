package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"neo-guardian/internal/fieldcrypt"
	"neo-guardian/internal/password"
)

type fakeUserStore struct {
	mu          sync.Mutex
	byUsername  map[string]User
	hashUpdates int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{byUsername: make(map[string]User)}
}

func (s *fakeUserStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUsername[user.Username]; ok {
		return ErrUsernameTaken
	}
	s.byUsername[user.Username] = user
	return nil
}

func (s *fakeUserStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byUsername[username]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *fakeUserStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.byUsername {
		if user.ID == id {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (s *fakeUserStore) UpdatePasswordHash(_ context.Context, userID, passwordHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for username, user := range s.byUsername {
		if user.ID == userID {
			user.PasswordHash = passwordHash
			user.UpdatedAt = now
			s.byUsername[username] = user
			s.hashUpdates++
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *fakeUserStore) TouchLastLogin(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for username, user := range s.byUsername {
		if user.ID == userID {
			at := now
			user.LastLoginAt = &at
			s.byUsername[username] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *fakeUserStore) UpsertAdmin(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byUsername[user.Username]; ok {
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
	}
	user.Role = RoleAdmin
	s.byUsername[user.Username] = user
	return nil
}

func (s *fakeUserStore) setDisabled(username string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.byUsername[username]
	user.DisabledAt = &at
	s.byUsername[username] = user
}

// memoryLockoutStore mirrors the repository's counter transitions so the
// guard's behavior can be exercised without a database.
type memoryLockoutStore struct {
	mu            sync.Mutex
	attempts      map[string]*LoginAttempt
	registerCalls int
}

func newMemoryLockoutStore() *memoryLockoutStore {
	return &memoryLockoutStore{attempts: make(map[string]*LoginAttempt)}
}

func (s *memoryLockoutStore) GetLoginAttempt(_ context.Context, identity string) (LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt, ok := s.attempts[identity]; ok {
		return *attempt, nil
	}
	return LoginAttempt{Identity: identity}, nil
}

func (s *memoryLockoutStore) RegisterFailedAttempt(_ context.Context, identity string, maxAttempts int, lockWindow time.Duration, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerCalls++

	attempt, ok := s.attempts[identity]
	if !ok {
		attempt = &LoginAttempt{Identity: identity}
		s.attempts[identity] = attempt
	}

	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return attempt.LockedUntil, nil
	}

	attempt.FailedAttempts++
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockWindow)
		attempt.LockedUntil = &until
		attempt.FailedAttempts = 0
		return &until, nil
	}
	attempt.LockedUntil = nil
	return nil, nil
}

func (s *memoryLockoutStore) ResetLoginAttempt(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, identity)
	return nil
}

type serviceFixture struct {
	svc      *Service
	users    *fakeUserStore
	lockout  *memoryLockoutStore
	families *memoryFamilyStore
	tokens   *TokenService
	hasher   *password.Hasher
	cipher   *fieldcrypt.Cipher
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	hasher := password.NewHasher(password.Params{TimeCost: 1, MemoryKB: 8 * 1024, Parallelism: 1})
	cipher, err := fieldcrypt.New("service-test-secret")
	if err != nil {
		t.Fatalf("fieldcrypt.New: %v", err)
	}

	users := newFakeUserStore()
	lockout := newMemoryLockoutStore()
	families := newMemoryFamilyStore()
	guard := NewGuard(lockout, 5, 30*time.Minute)
	tokens := NewTokenService(families, "service-test-jwt-secret")
	svc := NewService(users, guard, tokens, hasher, cipher, zap.NewNop())

	return &serviceFixture{
		svc:      svc,
		users:    users,
		lockout:  lockout,
		families: families,
		tokens:   tokens,
		hasher:   hasher,
		cipher:   cipher,
	}
}

func (f *serviceFixture) setNow(now time.Time) {
	clock := func() time.Time { return now }
	f.svc.now = clock
	f.svc.guard.now = clock
	f.tokens.now = clock
}

func (f *serviceFixture) register(t *testing.T, username, plainPassword string) Profile {
	t.Helper()
	profile, err := f.svc.Register(context.Background(), username, plainPassword, username+"@example.com")
	if err != nil {
		t.Fatalf("Register(%q): %v", username, err)
	}
	return profile
}

const goodPassword = "Valid#Pass9w"

func TestLoginSuccess(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.register(t, "stargazer", goodPassword)

	tokens, err := f.svc.Login(ctx, "stargazer", goodPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	claims, err := f.tokens.VerifyAccess(tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.Role != RoleUser {
		t.Errorf("claims.Role = %q, want %q", claims.Role, RoleUser)
	}

	user, err := f.users.GetUserByUsername(ctx, "stargazer")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user.LastLoginAt == nil {
		t.Error("LastLoginAt not set after login")
	}
}

func TestLoginNormalizesUsername(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "stargazer", goodPassword)

	if _, err := f.svc.Login(context.Background(), "  StarGazer ", goodPassword); err != nil {
		t.Fatalf("Login with unnormalized username: %v", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.register(t, "stargazer", goodPassword)

	_, wrongPassword := f.svc.Login(ctx, "stargazer", "Wrong#Pass9xq")
	_, unknownUser := f.svc.Login(ctx, "nobody-here", goodPassword)

	if !errors.Is(wrongPassword, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v, want ErrInvalidCredentials", wrongPassword)
	}
	if !errors.Is(unknownUser, ErrInvalidCredentials) {
		t.Fatalf("unknown user error = %v, want ErrInvalidCredentials", unknownUser)
	}
	if wrongPassword.Error() != unknownUser.Error() {
		t.Errorf("error messages differ: %q vs %q", wrongPassword.Error(), unknownUser.Error())
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.setNow(base)
	f.register(t, "stargazer", goodPassword)

	for i := 0; i < 4; i++ {
		_, err := f.svc.Login(ctx, "stargazer", "Wrong#Pass9xq")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d = %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	_, err := f.svc.Login(ctx, "stargazer", "Wrong#Pass9xq")
	var locked ErrAccountLocked
	if !errors.As(err, &locked) {
		t.Fatalf("fifth failure = %v, want ErrAccountLocked", err)
	}
	if want := base.Add(30 * time.Minute); !locked.Until.Equal(want) {
		t.Errorf("lock until = %v, want %v", locked.Until, want)
	}

	// Even the correct password is rejected while the lock stands, and the
	// attempt must not advance the failure counter.
	callsBefore := f.lockout.registerCalls
	_, err = f.svc.Login(ctx, "stargazer", goodPassword)
	if !errors.As(err, &locked) {
		t.Fatalf("login during lock = %v, want ErrAccountLocked", err)
	}
	if f.lockout.registerCalls != callsBefore {
		t.Errorf("locked attempt advanced the failure counter")
	}
}

func TestLockExpiresLazily(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.setNow(base)
	f.register(t, "stargazer", goodPassword)

	for i := 0; i < 5; i++ {
		f.svc.Login(ctx, "stargazer", "Wrong#Pass9xq")
	}
	var locked ErrAccountLocked
	if _, err := f.svc.Login(ctx, "stargazer", goodPassword); !errors.As(err, &locked) {
		t.Fatalf("login during lock = %v, want ErrAccountLocked", err)
	}

	// No background job clears the lock; it simply stops applying once the
	// window has passed.
	f.setNow(base.Add(31 * time.Minute))
	if _, err := f.svc.Login(ctx, "stargazer", goodPassword); err != nil {
		t.Fatalf("login after lock expiry: %v", err)
	}

	// The counter restarted: a single new failure is not a lockout.
	if _, err := f.svc.Login(ctx, "stargazer", "Wrong#Pass9xq"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("failure after reset = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginSuccessResetsCounter(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.register(t, "stargazer", goodPassword)

	for i := 0; i < 3; i++ {
		f.svc.Login(ctx, "stargazer", "Wrong#Pass9xq")
	}
	if _, err := f.svc.Login(ctx, "stargazer", goodPassword); err != nil {
		t.Fatalf("login after three failures: %v", err)
	}

	// Four more failures reach only 4 in the fresh window: no lock yet.
	for i := 0; i < 4; i++ {
		_, err := f.svc.Login(ctx, "stargazer", "Wrong#Pass9xq")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d after reset = %v, want ErrInvalidCredentials", i+1, err)
		}
	}
}

func TestLoginRehashesLegacyDigest(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Digest produced under older cost settings than the fixture hasher uses.
	legacy := password.NewHasher(password.Params{TimeCost: 2, MemoryKB: 8 * 1024, Parallelism: 1})
	legacyHash, err := legacy.Hash(ctx, goodPassword)
	if err != nil {
		t.Fatalf("legacy Hash: %v", err)
	}

	now := time.Now().UTC()
	seed := User{
		ID:           "user-legacy",
		Username:     "oldtimer",
		PasswordHash: legacyHash,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := f.users.CreateUser(ctx, seed); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	if _, err := f.svc.Login(ctx, "oldtimer", goodPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if f.users.hashUpdates != 1 {
		t.Fatalf("hash updates = %d, want 1", f.users.hashUpdates)
	}
	user, err := f.users.GetUserByUsername(ctx, "oldtimer")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user.PasswordHash == legacyHash {
		t.Error("digest was not upgraded on login")
	}
	if !f.hasher.Verify(ctx, goodPassword, user.PasswordHash) {
		t.Error("upgraded digest does not verify")
	}
	if f.hasher.NeedsRehash(user.PasswordHash) {
		t.Error("upgraded digest still reports NeedsRehash")
	}
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Register(context.Background(), "stargazer", "alllowercase123", "s@example.com")
	var policyErr *password.PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("Register(weak) = %v, want *password.PolicyError", err)
	}
	if len(f.users.byUsername) != 0 {
		t.Error("weak password still created a user")
	}
}

func TestRegisterEncryptsEmailAtRest(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	const email = "astro@example.com"
	if _, err := f.svc.Register(ctx, "stargazer", goodPassword, email); err != nil {
		t.Fatalf("Register: %v", err)
	}

	user, err := f.users.GetUserByUsername(ctx, "stargazer")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user.EncryptedEmail == email || strings.Contains(user.EncryptedEmail, "astro") {
		t.Fatalf("email stored in the clear: %q", user.EncryptedEmail)
	}

	decrypted, err := f.cipher.Decrypt(user.EncryptedEmail)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != email {
		t.Errorf("decrypted email = %q, want %q", decrypted, email)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "stargazer", goodPassword)

	_, err := f.svc.Register(context.Background(), "stargazer", goodPassword, "other@example.com")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("duplicate Register = %v, want ErrUsernameTaken", err)
	}
}

func TestChangePasswordRevokesAllSessions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	profile := f.register(t, "stargazer", goodPassword)

	tokens, err := f.svc.Login(ctx, "stargazer", goodPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const newPassword = "N3w!Passw0rdQ"
	if err := f.svc.ChangePassword(ctx, profile.ID, goodPassword, newPassword); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, _, err := f.svc.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, ErrFamilyRevoked) {
		t.Fatalf("Refresh after password change = %v, want ErrFamilyRevoked", err)
	}

	if _, err := f.svc.Login(ctx, "stargazer", goodPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("login with old password = %v, want ErrInvalidCredentials", err)
	}
	if _, err := f.svc.Login(ctx, "stargazer", newPassword); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestChangePasswordRequiresCurrent(t *testing.T) {
	f := newServiceFixture(t)
	profile := f.register(t, "stargazer", goodPassword)

	err := f.svc.ChangePassword(context.Background(), profile.ID, "Wrong#Pass9xq", "N3w!Passw0rdQ")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("ChangePassword with wrong current = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.register(t, "stargazer", goodPassword)
	f.users.setDisabled("stargazer", time.Now().UTC())

	_, err := f.svc.Login(ctx, "stargazer", goodPassword)
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("Login(disabled) = %v, want ErrAccountDisabled", err)
	}
}

func TestMeDecryptsEmail(t *testing.T) {
	f := newServiceFixture(t)
	profile := f.register(t, "stargazer", goodPassword)

	me, err := f.svc.Me(context.Background(), profile.ID)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.Email != "stargazer@example.com" {
		t.Errorf("Me email = %q, want stargazer@example.com", me.Email)
	}
	if me.Username != "stargazer" {
		t.Errorf("Me username = %q, want stargazer", me.Username)
	}
}

func TestBootstrapAdmin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if err := f.svc.BootstrapAdmin(ctx, "mission-control", goodPassword, "ops@example.com"); err != nil {
		t.Fatalf("BootstrapAdmin: %v", err)
	}

	tokens, err := f.svc.Login(ctx, "mission-control", goodPassword)
	if err != nil {
		t.Fatalf("admin login: %v", err)
	}
	claims, err := f.tokens.VerifyAccess(tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.Role != RoleAdmin {
		t.Errorf("admin role = %q, want %q", claims.Role, RoleAdmin)
	}
}

func TestBootstrapAdminPartialConfig(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if err := f.svc.BootstrapAdmin(ctx, "", "", ""); err != nil {
		t.Fatalf("empty bootstrap should be a no-op, got %v", err)
	}
	if err := f.svc.BootstrapAdmin(ctx, "mission-control", "", ""); err == nil {
		t.Fatal("username without password should be a configuration error")
	}
}
