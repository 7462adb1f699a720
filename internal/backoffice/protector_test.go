package backoffice

import (
	"encoding/base64"
	"testing"
	"time"
)

var protectorTestKey = []byte("0123456789abcdef0123456789abcdef")

func newTestProtector(t *testing.T, at time.Time, timeout time.Duration) *Protector {
	t.Helper()
	p, err := NewProtector(protectorTestKey, func() time.Duration { return timeout },
		WithProtectorClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("NewProtector: %v", err)
	}
	return p
}

func backofficeTicket(at time.Time) *Ticket {
	user := &User{
		ID:            7,
		Username:      "alice",
		SecurityStamp: "stamp-1",
		Groups:        []string{"admin"},
	}
	return &Ticket{
		Identity: NewUserIdentity(user),
		Properties: TicketProperties{
			IssuedUTC:    at,
			ExpiresUTC:   at.Add(20 * time.Minute),
			IsPersistent: true,
			AllowRefresh: true,
		},
	}
}

func TestProtectRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProtector(t, at, 20*time.Minute)
	ticket := backofficeTicket(at)

	value, err := p.Protect(ticket)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	got := p.Unprotect(value)
	if got == nil {
		t.Fatal("Unprotect returned nil for a freshly protected ticket")
	}
	if got.Identity.AuthenticationType != AuthTypeBackoffice || !got.Identity.Authenticated {
		t.Fatalf("identity not rehydrated: %+v", got.Identity)
	}
	if got.Identity.SessionID() != ticket.Identity.SessionID() {
		t.Fatal("session id changed across the round trip")
	}
	if !got.Properties.ExpiresUTC.Equal(ticket.Properties.ExpiresUTC) {
		t.Fatalf("expiry changed: %v != %v", got.Properties.ExpiresUTC, ticket.Properties.ExpiresUTC)
	}
	if !got.Properties.IsPersistent || !got.Properties.AllowRefresh {
		t.Fatalf("properties lost: %+v", got.Properties)
	}

	// Two protections of the same ticket differ on the wire (random nonce).
	second, err := p.Protect(ticket)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if second == value {
		t.Fatal("identical ciphertexts for two protect calls")
	}
}

func TestProtectDefaultsExpiry(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProtector(t, at, 20*time.Minute)
	ticket := backofficeTicket(at)
	ticket.Properties.IssuedUTC = time.Time{}
	ticket.Properties.ExpiresUTC = time.Time{}

	if _, err := p.Protect(ticket); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if !ticket.Properties.IssuedUTC.Equal(at) {
		t.Fatalf("issued not defaulted to clock: %v", ticket.Properties.IssuedUTC)
	}
	if !ticket.Properties.ExpiresUTC.Equal(at.Add(20 * time.Minute)) {
		t.Fatalf("expiry not defaulted to issued+timeout: %v", ticket.Properties.ExpiresUTC)
	}
}

func TestUnprotectFailsToNil(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProtector(t, at, 20*time.Minute)
	value, err := p.Protect(backofficeTicket(at))
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	if p.Unprotect("") != nil {
		t.Fatal("empty value must yield nil")
	}
	if p.Unprotect("not base64 at all!") != nil {
		t.Fatal("corrupt base64 must yield nil")
	}
	if p.Unprotect("AAAA") != nil {
		t.Fatal("truncated ciphertext must yield nil")
	}

	// Flip one ciphertext byte.
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	if p.Unprotect(base64.RawURLEncoding.EncodeToString(raw)) != nil {
		t.Fatal("tampered ciphertext must yield nil")
	}

	// A protector with different key material cannot read the ticket.
	other, err := NewProtector([]byte("ffffffffffffffffffffffffffffffff"), func() time.Duration { return 20 * time.Minute })
	if err != nil {
		t.Fatalf("NewProtector: %v", err)
	}
	if other.Unprotect(value) != nil {
		t.Fatal("foreign key must yield nil")
	}
}

func TestProtectRejectsWrongIdentityShape(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := newTestProtector(t, at, 20*time.Minute)
	user := &User{ID: 7, Username: "alice", SecurityStamp: "stamp-1"}

	partial := &Ticket{Identity: NewTwoFactorIdentity(user)}
	if _, err := p.Protect(partial); err != ErrNotBackofficeTicket {
		t.Fatalf("expected ErrNotBackofficeTicket, got %v", err)
	}
	full := &Ticket{Identity: NewUserIdentity(user)}
	if _, err := p.ProtectPartial(full); err != ErrNotPartialTicket {
		t.Fatalf("expected ErrNotPartialTicket, got %v", err)
	}
	if _, err := p.Protect(nil); err != ErrNotBackofficeTicket {
		t.Fatalf("expected ErrNotBackofficeTicket for nil ticket, got %v", err)
	}

	value, err := p.ProtectPartial(partial)
	if err != nil {
		t.Fatalf("ProtectPartial: %v", err)
	}
	got := p.Unprotect(value)
	if got == nil || got.Identity.AuthenticationType != AuthTypeTwoFactor {
		t.Fatalf("partial ticket did not survive the round trip: %+v", got)
	}
	if got.Identity.Authenticated {
		t.Fatal("partial identity must not be authenticated")
	}
}
