package backoffice

import (
	"context"
	"testing"
	"time"

	"atriumcms.org/internal/audit"
	"atriumcms.org/internal/config"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.MaxFailedAccessAttempts = 3
	return s
}

func newTestUserManager(t *testing.T, opts ...UserManagerOption) (*MemStore, *audit.MemorySink, *UserManager) {
	t.Helper()
	store := NewMemStore()
	sink := audit.NewMemorySink(128)
	settings := testSettings()
	opts = append([]UserManagerOption{
		WithUserManagerClock(func() time.Time { return testNow }),
		WithHasherChain(fastHasherChain()),
	}, opts...)
	m, err := NewUserManager(store, sink, func() config.Settings { return settings }, opts...)
	if err != nil {
		t.Fatalf("NewUserManager: %v", err)
	}
	return store, sink, m
}

func seedUser(t *testing.T, m *UserManager, username, password string) *User {
	t.Helper()
	ctx := context.Background()
	hash, err := m.hashers.Hash(password)
	if err != nil {
		t.Fatalf("hash seed password: %v", err)
	}
	u := &User{
		Username:          username,
		Name:              username,
		Email:             username + "@example.test",
		PasswordHash:      hash,
		SecurityStamp:     m.GenerateSecurityStamp(),
		IsApproved:        true,
		ContentStartNodes: []int{-1},
		MediaStartNodes:   []int{-1},
	}
	if err := m.Store().Users(ctx).Create(ctx, u); err != nil {
		t.Fatalf("seed user %q: %v", username, err)
	}
	return u
}

func TestIsLockedOut(t *testing.T) {
	_, _, m := newTestUserManager(t)
	future := testNow.Add(time.Hour)
	past := testNow.Add(-time.Hour)

	cases := []struct {
		name string
		user *User
		want bool
	}{
		{"nil user", nil, true},
		{"not approved", &User{ID: 1, IsApproved: false}, true},
		{"not approved even without lockout", &User{ID: 1, IsApproved: false, LockoutEndUTC: &past}, true},
		{"lockout in the future", &User{ID: 1, IsApproved: true, LockoutEndUTC: &future}, true},
		{"lockout expired", &User{ID: 1, IsApproved: true, LockoutEndUTC: &past}, false},
		{"approved, no lockout", &User{ID: 1, IsApproved: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.IsLockedOut(tc.user); got != tc.want {
				t.Fatalf("IsLockedOut = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAccessFailedLocksAtThreshold(t *testing.T) {
	ctx := context.Background()
	_, sink, m := newTestUserManager(t)
	u := seedUser(t, m, "alice", "correct horse battery")

	for i := 1; i <= 2; i++ {
		locked, err := m.AccessFailed(ctx, u)
		if err != nil {
			t.Fatalf("AccessFailed #%d: %v", i, err)
		}
		if locked {
			t.Fatalf("locked out after %d attempts", i)
		}
	}

	locked, err := m.AccessFailed(ctx, u)
	if err != nil {
		t.Fatalf("AccessFailed #3: %v", err)
	}
	if !locked {
		t.Fatal("third failure should lock the account")
	}
	if u.LockoutEndUTC == nil {
		t.Fatal("lockout end not set")
	}
	wantEnd := testNow.Add(30 * 24 * time.Hour)
	if !u.LockoutEndUTC.Equal(wantEnd) {
		t.Fatalf("lockout end = %v, want %v", u.LockoutEndUTC, wantEnd)
	}
	if !m.IsLockedOut(u) {
		t.Fatal("user should report locked out")
	}

	// Persisted state agrees with the in-memory copy.
	stored, err := m.Store().Users(ctx).FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.AccessFailedCount != 3 || stored.LockoutEndUTC == nil {
		t.Fatalf("stored user not locked: count=%d end=%v", stored.AccessFailedCount, stored.LockoutEndUTC)
	}

	if got := len(sink.ByAction(audit.ActionLoginFailed)); got != 3 {
		t.Fatalf("LoginFailed events = %d, want 3", got)
	}
	if got := len(sink.ByAction(audit.ActionAccountLocked)); got != 1 {
		t.Fatalf("AccountLocked events = %d, want 1", got)
	}
}

func TestResetAccessFailedCountNoopAtZero(t *testing.T) {
	ctx := context.Background()
	_, sink, m := newTestUserManager(t)
	u := seedUser(t, m, "alice", "correct horse battery")

	if err := m.ResetAccessFailedCount(ctx, u); err != nil {
		t.Fatalf("ResetAccessFailedCount: %v", err)
	}
	if got := len(sink.ByAction(audit.ActionResetAccessFailedCount)); got != 0 {
		t.Fatalf("reset at zero recorded %d events, want 0", got)
	}

	if _, err := m.AccessFailed(ctx, u); err != nil {
		t.Fatalf("AccessFailed: %v", err)
	}
	if err := m.ResetAccessFailedCount(ctx, u); err != nil {
		t.Fatalf("ResetAccessFailedCount: %v", err)
	}
	if u.AccessFailedCount != 0 {
		t.Fatalf("count not reset: %d", u.AccessFailedCount)
	}
	if got := len(sink.ByAction(audit.ActionResetAccessFailedCount)); got != 1 {
		t.Fatalf("reset events = %d, want 1", got)
	}
}

func TestSetLockoutEndDateUnlock(t *testing.T) {
	ctx := context.Background()
	_, sink, m := newTestUserManager(t)
	u := seedUser(t, m, "alice", "correct horse battery")

	end := testNow.Add(time.Hour)
	if err := m.SetLockoutEndDate(ctx, u, &end); err != nil {
		t.Fatalf("SetLockoutEndDate: %v", err)
	}
	if !m.IsLockedOut(u) {
		t.Fatal("expected locked out")
	}
	if got := len(sink.ByAction(audit.ActionAccountLocked)); got != 1 {
		t.Fatalf("AccountLocked events = %d, want 1", got)
	}

	if _, err := m.Store().Users(ctx).IncrementAccessFailedCount(ctx, u.ID); err != nil {
		t.Fatalf("IncrementAccessFailedCount: %v", err)
	}
	if err := m.SetLockoutEndDate(ctx, u, nil); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if m.IsLockedOut(u) {
		t.Fatal("expected unlocked")
	}
	stored, err := m.Store().Users(ctx).FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.AccessFailedCount != 0 {
		t.Fatalf("unlock should clear failures, count=%d", stored.AccessFailedCount)
	}
	if got := len(sink.ByAction(audit.ActionAccountUnlocked)); got != 1 {
		t.Fatalf("AccountUnlocked events = %d, want 1", got)
	}
	// The unlock's counter clearing is part of the unlock, not a separate reset.
	if got := len(sink.ByAction(audit.ActionResetAccessFailedCount)); got != 0 {
		t.Fatalf("reset events = %d, want 0", got)
	}
}

func TestCheckPasswordChain(t *testing.T) {
	ctx := context.Background()
	_, _, m := newTestUserManager(t)
	u := seedUser(t, m, "alice", "correct horse battery")

	if ok, err := m.CheckPassword(ctx, u, "correct horse battery"); err != nil || !ok {
		t.Fatalf("valid password: ok=%v err=%v", ok, err)
	}
	if ok, err := m.CheckPassword(ctx, u, "wrong"); err != nil || ok {
		t.Fatalf("invalid password: ok=%v err=%v", ok, err)
	}
	if ok, err := m.CheckPassword(ctx, &User{Username: "ghost"}, "anything"); err != nil || ok {
		t.Fatalf("user without identity: ok=%v err=%v", ok, err)
	}
}

func TestCheckPasswordExternalChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("definitive invalid wins over a correct hash", func(t *testing.T) {
		_, _, m := newTestUserManager(t, WithPasswordChecker(PasswordCheckerFunc(
			func(context.Context, *User, string) (CheckResult, error) { return InvalidCredentials, nil })))
		u := seedUser(t, m, "alice", "correct horse battery")
		if ok, err := m.CheckPassword(ctx, u, "correct horse battery"); err != nil || ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
	})

	t.Run("valid result still requires a persisted identity", func(t *testing.T) {
		_, _, m := newTestUserManager(t, WithPasswordChecker(PasswordCheckerFunc(
			func(context.Context, *User, string) (CheckResult, error) { return ValidCredentials, nil })))
		if ok, err := m.CheckPassword(ctx, &User{Username: "ghost"}, "x"); err != nil || ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		u := seedUser(t, m, "alice", "unused")
		if ok, err := m.CheckPassword(ctx, u, "anything at all"); err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
	})

	t.Run("fallback defers to the store", func(t *testing.T) {
		_, _, m := newTestUserManager(t, WithPasswordChecker(PasswordCheckerFunc(
			func(context.Context, *User, string) (CheckResult, error) { return FallbackToDefaultChecker, nil })))
		u := seedUser(t, m, "alice", "correct horse battery")
		if ok, err := m.CheckPassword(ctx, u, "correct horse battery"); err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
	})
}

func TestCheckPasswordUpgradesLegacyHash(t *testing.T) {
	ctx := context.Background()
	_, _, m := newTestUserManager(t)
	u := seedUser(t, m, "alice", "unused")
	if err := m.Store().Users(ctx).SetPasswordHash(ctx, u.ID, legacyHash("old secret")); err != nil {
		t.Fatalf("SetPasswordHash: %v", err)
	}

	if ok, err := m.CheckPassword(ctx, u, "old secret"); err != nil || !ok {
		t.Fatalf("legacy password rejected: ok=%v err=%v", ok, err)
	}

	upgraded, err := m.Store().Users(ctx).GetPasswordHash(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetPasswordHash: %v", err)
	}
	if upgraded == legacyHash("old secret") {
		t.Fatal("legacy hash was not upgraded")
	}
	if ok, legacy := m.hashers.Verify(upgraded, "old secret"); !ok || legacy {
		t.Fatalf("upgraded hash does not verify with the primary scheme: ok=%v legacy=%v", ok, legacy)
	}
}

func TestChangePasswordRotatesStamp(t *testing.T) {
	ctx := context.Background()
	_, sink, m := newTestUserManager(t)
	u := seedUser(t, m, "alice", "correct horse battery")
	oldStamp := u.SecurityStamp

	if err := m.ChangePassword(ctx, u, "short"); err == nil {
		t.Fatal("rule-violating password accepted")
	}
	if err := m.ChangePassword(ctx, u, "a new long password"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if u.SecurityStamp == oldStamp {
		t.Fatal("security stamp not rotated on password change")
	}
	if ok, err := m.CheckPassword(ctx, u, "a new long password"); err != nil || !ok {
		t.Fatalf("new password rejected: ok=%v err=%v", ok, err)
	}
	stored, err := m.Store().Users(ctx).GetSecurityStamp(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetSecurityStamp: %v", err)
	}
	if stored != u.SecurityStamp {
		t.Fatal("stamp not persisted")
	}
	if got := len(sink.ByAction(audit.ActionPasswordChanged)); got != 1 {
		t.Fatalf("PasswordChanged events = %d, want 1", got)
	}
}

func TestResetPasswordRotatesStamp(t *testing.T) {
	ctx := context.Background()
	_, sink, m := newTestUserManager(t)
	u := seedUser(t, m, "alice", "correct horse battery")
	oldStamp := u.SecurityStamp

	if err := m.ResetPassword(ctx, u, "short"); err == nil {
		t.Fatal("rule-violating password accepted")
	}
	if err := m.ResetPassword(ctx, u, "a replacement password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if u.SecurityStamp == oldStamp {
		t.Fatal("security stamp not rotated on password reset")
	}
	if ok, err := m.CheckPassword(ctx, u, "a replacement password"); err != nil || !ok {
		t.Fatalf("new password rejected: ok=%v err=%v", ok, err)
	}
	if got := len(sink.ByAction(audit.ActionPasswordReset)); got != 1 {
		t.Fatalf("PasswordReset events = %d, want 1", got)
	}
	// A reset is not a routine change and must not be audited as one.
	if got := len(sink.ByAction(audit.ActionPasswordChanged)); got != 0 {
		t.Fatalf("PasswordChanged events = %d, want 0", got)
	}
}
