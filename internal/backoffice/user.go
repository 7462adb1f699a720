package backoffice

import (
	"strings"
	"time"
)

// User is a back-office account. Approval and lockout are independent gates:
// legacy installations carried two distinct "disabled" concepts and both must
// be honored when deciding whether an account may sign in.
type User struct {
	ID                    int
	Username              string
	Name                  string
	Email                 string
	PasswordHash          string
	SecurityStamp         string
	IsApproved            bool
	LockoutEndUTC         *time.Time
	AccessFailedCount     int
	TwoFactorEnabled      bool
	LastLoginUTC          *time.Time
	LastPasswordChangeUTC *time.Time
	Groups                []string
	ContentStartNodes     []int
	MediaStartNodes       []int
	Culture               string
}

// HasIdentity reports whether the user exists in the store. Sign-in flows
// synthesize placeholder users for unknown usernames so that the password
// checker chain (and auto-link logic) decides validity; such placeholders
// have no identity.
func (u *User) HasIdentity() bool {
	return u != nil && u.ID != 0
}

// normalizedEmail lower-cases and trims the email for lookups.
func normalizedEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
