package backoffice

import "time"

// TicketProperties carries the lifecycle metadata of an authentication
// ticket. ExpiresUTC is always set by protect-time defaulting, so a
// deserialized ticket can rely on it.
type TicketProperties struct {
	IssuedUTC    time.Time         `json:"issued"`
	ExpiresUTC   time.Time         `json:"expires"`
	IsPersistent bool              `json:"persistent,omitempty"`
	AllowRefresh bool              `json:"allow_refresh,omitempty"`
	RedirectURI  string            `json:"redirect_uri,omitempty"`
	Items        map[string]string `json:"items,omitempty"`
}

// Ticket is the (identity, properties) pair representing an authenticated
// session, before or after encryption.
type Ticket struct {
	Identity   *Identity
	Properties TicketProperties
}

// ExpiredAt reports whether the ticket has expired at the given instant.
func (t *Ticket) ExpiredAt(now time.Time) bool {
	return !t.Properties.ExpiresUTC.IsZero() && !now.Before(t.Properties.ExpiresUTC)
}

// RemainingAt returns the time left before expiry, clamped at zero.
func (t *Ticket) RemainingAt(now time.Time) time.Duration {
	d := t.Properties.ExpiresUTC.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ElapsedAt returns the time since issuance, clamped at zero.
func (t *Ticket) ElapsedAt(now time.Time) time.Duration {
	d := now.Sub(t.Properties.IssuedUTC)
	if d < 0 {
		return 0
	}
	return d
}
