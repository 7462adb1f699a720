package backoffice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"atriumcms.org/internal/audit"
	"atriumcms.org/internal/config"
	"atriumcms.org/internal/obs"
)

// Mailer sends user-facing mail for invite and password-reset flows. The
// implementation lives outside the core.
type Mailer interface {
	SendInvite(ctx context.Context, user *User, token string) error
	SendPasswordReset(ctx context.Context, user *User, token string) error
}

// UserManager implements the account-level operations of the authentication
// core: password verification through the checker chain, lockout and
// failed-attempt bookkeeping, security-stamp maintenance, invites and
// password resets.
type UserManager struct {
	store    Store
	sink     audit.Sink
	settings func() config.Settings
	hashers  *HasherChain
	checker  PasswordChecker
	mailer   Mailer
	now      func() time.Time

	genOnce   sync.Once
	generator *PasswordGenerator
}

// UserManagerOption configures a UserManager.
type UserManagerOption func(*UserManager)

// WithPasswordChecker installs an external credential checker ahead of the
// local store.
func WithPasswordChecker(c PasswordChecker) UserManagerOption {
	return func(m *UserManager) { m.checker = c }
}

// WithHasherChain overrides the default hasher chain.
func WithHasherChain(c *HasherChain) UserManagerOption {
	return func(m *UserManager) {
		if c != nil {
			m.hashers = c
		}
	}
}

// WithMailer installs the mail collaborator for invite/reset flows.
func WithMailer(mailer Mailer) UserManagerOption {
	return func(m *UserManager) { m.mailer = mailer }
}

// WithUserManagerClock overrides the time source (useful for tests).
func WithUserManagerClock(fn func() time.Time) UserManagerOption {
	return func(m *UserManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewUserManager constructs a UserManager. Missing required collaborators are
// misconfiguration, reported as construction errors rather than tolerated at
// runtime.
func NewUserManager(store Store, sink audit.Sink, settings func() config.Settings, opts ...UserManagerOption) (*UserManager, error) {
	if store == nil {
		return nil, errors.New("backoffice: user manager requires a store")
	}
	if sink == nil {
		return nil, errors.New("backoffice: user manager requires an audit sink")
	}
	if settings == nil {
		return nil, errors.New("backoffice: user manager requires a settings source")
	}
	m := &UserManager{
		store:    store,
		sink:     sink,
		settings: settings,
		hashers:  DefaultHasherChain(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Store exposes the backing store to collaborating managers.
func (m *UserManager) Store() Store { return m.store }

// IsLockedOut reports whether the user may not sign in. Approval and lockout
// are independent gates; both are checked.
func (m *UserManager) IsLockedOut(u *User) bool {
	if u == nil {
		return true
	}
	if !u.IsApproved {
		return true
	}
	return u.LockoutEndUTC != nil && u.LockoutEndUTC.After(m.now().UTC())
}

// CheckPassword runs the checker chain. An external checker's definitive
// result wins; a checker that "discovers" a user with no persisted identity
// fails closed here (explicit auto-link logic runs separately). The fallback
// path verifies the stored hash and upgrades legacy hashes on success.
// No counters are touched: callers own the failure bookkeeping.
func (m *UserManager) CheckPassword(ctx context.Context, u *User, password string) (bool, error) {
	if m.checker != nil {
		res, err := m.checker.CheckPassword(ctx, u, password)
		if err != nil {
			return false, fmt.Errorf("password checker: %w", err)
		}
		switch res {
		case ValidCredentials:
			return u.HasIdentity(), nil
		case InvalidCredentials:
			return false, nil
		}
	}

	// Default checker: cannot verify a hash that doesn't exist.
	if !u.HasIdentity() {
		return false, nil
	}
	hash, err := m.store.Users(ctx).GetPasswordHash(ctx, u.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	ok, legacy := m.hashers.Verify(hash, password)
	if ok && legacy {
		m.rehash(ctx, u, password)
	}
	return ok, nil
}

// rehash upgrades a legacy hash to the primary scheme. Best effort: a failed
// upgrade leaves the legacy hash usable.
func (m *UserManager) rehash(ctx context.Context, u *User, password string) {
	fresh, err := m.hashers.Hash(password)
	if err != nil {
		return
	}
	if err := m.store.Users(ctx).SetPasswordHash(ctx, u.ID, fresh); err != nil {
		obs.Warn("legacy hash upgrade failed", map[string]any{"user_id": u.ID, "error": err.Error()})
	}
}

// AccessFailed increments the failed-attempt counter and locks the account
// for the configured window when the threshold is reached. The counter is
// never reset here: only an explicit unlock or reset call zeroes it. Every
// call records a LoginFailed event; the lock transition additionally records
// AccountLocked.
func (m *UserManager) AccessFailed(ctx context.Context, u *User) (lockedOut bool, err error) {
	settings := m.settings()
	users := m.store.Users(ctx)

	count, err := users.IncrementAccessFailedCount(ctx, u.ID)
	if err != nil {
		return false, err
	}
	u.AccessFailedCount = count

	if count >= settings.MaxFailedAccessAttempts {
		end := m.now().UTC().Add(settings.LockoutDuration())
		if err := users.SetLockoutEndDate(ctx, u.ID, &end); err != nil {
			return false, err
		}
		u.LockoutEndUTC = &end
		m.sink.Record(ctx, m.event(ctx, audit.ActionAccountLocked, u,
			fmt.Sprintf("failed attempts reached %d", count)))
		obs.ObserveLockout()
		lockedOut = true
	}

	m.sink.Record(ctx, m.event(ctx, audit.ActionLoginFailed, u, ""))
	return lockedOut, nil
}

// ResetAccessFailedCount zeroes the counter. It is a no-op at the boundary:
// when the counter is already zero nothing is written and no event recorded.
func (m *UserManager) ResetAccessFailedCount(ctx context.Context, u *User) error {
	if u.AccessFailedCount == 0 {
		return nil
	}
	if err := m.store.Users(ctx).ResetAccessFailedCount(ctx, u.ID); err != nil {
		return err
	}
	u.AccessFailedCount = 0
	m.sink.Record(ctx, m.event(ctx, audit.ActionResetAccessFailedCount, u, ""))
	return nil
}

// SetLockoutEndDate sets or clears the lockout window. An end date in the
// future records AccountLocked; anything else is an unlock, which also
// clears prior failures as a side effect.
func (m *UserManager) SetLockoutEndDate(ctx context.Context, u *User, end *time.Time) error {
	users := m.store.Users(ctx)
	if err := users.SetLockoutEndDate(ctx, u.ID, end); err != nil {
		return err
	}
	u.LockoutEndUTC = end

	if end != nil && !end.Before(m.now().UTC()) {
		m.sink.Record(ctx, m.event(ctx, audit.ActionAccountLocked, u, "lockout set"))
		obs.ObserveLockout()
		return nil
	}
	if err := users.ResetAccessFailedCount(ctx, u.ID); err != nil {
		return err
	}
	u.AccessFailedCount = 0
	m.sink.Record(ctx, m.event(ctx, audit.ActionAccountUnlocked, u, ""))
	return nil
}

// GenerateSecurityStamp returns a fresh opaque stamp.
func (m *UserManager) GenerateSecurityStamp() string { return uuid.NewString() }

// UpdateSecurityStamp regenerates and persists the user's stamp, invalidating
// outstanding tickets everywhere on the next revalidation cycle.
func (m *UserManager) UpdateSecurityStamp(ctx context.Context, u *User) error {
	stamp := m.GenerateSecurityStamp()
	if err := m.store.Users(ctx).SetSecurityStamp(ctx, u.ID, stamp); err != nil {
		return err
	}
	u.SecurityStamp = stamp
	return nil
}

// ChangePassword validates the new password against the configured rules,
// stores the new hash and regenerates the security stamp in the same
// operation, so every other device's ticket dies on its next revalidation.
func (m *UserManager) ChangePassword(ctx context.Context, u *User, newPassword string) error {
	return m.setPassword(ctx, u, newPassword, audit.ActionPasswordChanged)
}

// ResetPassword completes a password-reset flow started by
// RequestPasswordReset. Same mechanics as ChangePassword; audited under its
// own action so operators can tell a reset from a routine change.
func (m *UserManager) ResetPassword(ctx context.Context, u *User, newPassword string) error {
	return m.setPassword(ctx, u, newPassword, audit.ActionPasswordReset)
}

func (m *UserManager) setPassword(ctx context.Context, u *User, newPassword string, action audit.Action) error {
	if err := ValidatePassword(m.settings().Password, newPassword); err != nil {
		return err
	}
	hash, err := m.hashers.Hash(newPassword)
	if err != nil {
		return err
	}
	users := m.store.Users(ctx)
	if err := users.SetPasswordHash(ctx, u.ID, hash); err != nil {
		return err
	}
	if err := m.UpdateSecurityStamp(ctx, u); err != nil {
		return err
	}
	now := m.now().UTC()
	u.PasswordHash = hash
	u.LastPasswordChangeUTC = &now
	if err := users.Update(ctx, u); err != nil {
		return err
	}
	m.sink.Record(ctx, m.event(ctx, action, u, ""))
	return nil
}

// InviteUser issues an invite token and hands it to the mail collaborator.
func (m *UserManager) InviteUser(ctx context.Context, u *User) (string, error) {
	token := uuid.NewString()
	m.sink.Record(ctx, m.event(ctx, audit.ActionSendingUserInvite, u, ""))
	if m.mailer != nil {
		if err := m.mailer.SendInvite(ctx, u, token); err != nil {
			return "", err
		}
	}
	return token, nil
}

// RequestPasswordReset issues a reset token and hands it to the mail
// collaborator.
func (m *UserManager) RequestPasswordReset(ctx context.Context, u *User) (string, error) {
	token := uuid.NewString()
	m.sink.Record(ctx, m.event(ctx, audit.ActionForgotPasswordRequest, u, ""))
	if m.mailer != nil {
		if err := m.mailer.SendPasswordReset(ctx, u, token); err != nil {
			return "", err
		}
	}
	return token, nil
}

// PasswordGenerator returns the shared generator, lazily constructed once.
// It holds no per-request state and is safe for concurrent use.
func (m *UserManager) PasswordGenerator() *PasswordGenerator {
	m.genOnce.Do(func() {
		m.generator = NewPasswordGenerator(m.settings().Password)
	})
	return m.generator
}

func (m *UserManager) event(ctx context.Context, action audit.Action, u *User, comment string) audit.Event {
	evt := audit.New(ctx, action, u.ID, comment)
	evt.AffectedUsername = u.Username
	return evt
}
