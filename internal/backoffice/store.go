package backoffice

import (
	"context"
	"time"
)

// Store describes persistence operations required by the authentication core.
type Store interface {
	Users(ctx context.Context) UserStore
	Groups(ctx context.Context) GroupStore
	ExternalLogins(ctx context.Context) ExternalLoginStore
}

// UserStore manages user records including the lockout bookkeeping columns.
// Mutations are read-then-write sequences; the store provides per-row
// atomicity but no optimistic concurrency token. Concurrent failed-login
// increments for the same user are a known best-effort race: the worst case
// is a slightly delayed lockout.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id int) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error

	GetPasswordHash(ctx context.Context, id int) (string, error)
	SetPasswordHash(ctx context.Context, id int, hash string) error
	GetSecurityStamp(ctx context.Context, id int) (string, error)
	SetSecurityStamp(ctx context.Context, id int, stamp string) error

	// IncrementAccessFailedCount atomically bumps the counter and returns the
	// new value.
	IncrementAccessFailedCount(ctx context.Context, id int) (int, error)
	ResetAccessFailedCount(ctx context.Context, id int) error
	SetLockoutEndDate(ctx context.Context, id int, end *time.Time) error

	// RecordLogin persists the last-login timestamp and zeroes the
	// failed-attempt counter in a single write, as part of ticket issuance.
	RecordLogin(ctx context.Context, id int, at time.Time) error
}

// GroupStore manages user groups.
type GroupStore interface {
	Create(ctx context.Context, g *UserGroup) error
	FindByAlias(ctx context.Context, alias string) (*UserGroup, error)
	ListByAliases(ctx context.Context, aliases []string) ([]*UserGroup, error)
	List(ctx context.Context) ([]*UserGroup, error)
}

// ExternalLoginStore manages (provider, provider key) → user links.
type ExternalLoginStore interface {
	Link(ctx context.Context, userID int, provider, providerKey string) error
	Unlink(ctx context.Context, userID int, provider string) error
	FindUserID(ctx context.Context, provider, providerKey string) (int, error)
	ListForUser(ctx context.Context, userID int) (map[string]string, error)
}
