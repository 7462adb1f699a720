package backoffice

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ticketEnvelope is the serialized form of a ticket before encryption.
type ticketEnvelope struct {
	AuthType   string           `json:"at"`
	Claims     []Claim          `json:"c"`
	Properties TicketProperties `json:"p"`
}

// Protector encrypts tickets to opaque cookie strings and back. The AES-GCM
// key is derived from the per-installation master key with HKDF-SHA256, so
// rotating the master key invalidates every outstanding cookie at once.
type Protector struct {
	aead    cipher.AEAD
	timeout func() time.Duration
	now     func() time.Time
}

// ProtectorOption configures a Protector.
type ProtectorOption func(*Protector)

// WithProtectorClock overrides the time source (useful for tests).
func WithProtectorClock(fn func() time.Time) ProtectorOption {
	return func(p *Protector) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewProtector derives the ticket encryption key from masterKey. The timeout
// function supplies the configured login timeout used to default ExpiresUTC
// at protect-time; it is a function so hot-reloaded settings take effect
// without rebuilding the protector.
func NewProtector(masterKey []byte, timeout func() time.Duration, opts ...ProtectorOption) (*Protector, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("backoffice: protector requires a master key")
	}
	if timeout == nil {
		return nil, errors.New("backoffice: protector requires a timeout source")
	}

	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("atrium-backoffice-auth-ticket"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	p := &Protector{aead: aead, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Protect serializes and encrypts a full back-office ticket. Handing it any
// other identity shape is a programming error, reported as an error rather
// than silently producing a cookie an attacker could replay elsewhere.
// IssuedUTC and ExpiresUTC are defaulted when the caller left them unset.
func (p *Protector) Protect(t *Ticket) (string, error) {
	if t == nil || t.Identity == nil {
		return "", ErrNotBackofficeTicket
	}
	if t.Identity.AuthenticationType != AuthTypeBackoffice {
		return "", ErrNotBackofficeTicket
	}
	return p.seal(t)
}

// ProtectPartial encrypts a partial (two-factor pending, external pending,
// remembered browser) ticket. These are separate artifacts from the primary
// ticket with separate lifetimes.
func (p *Protector) ProtectPartial(t *Ticket) (string, error) {
	if t == nil || t.Identity == nil {
		return "", ErrNotPartialTicket
	}
	switch t.Identity.AuthenticationType {
	case AuthTypeTwoFactor, AuthTypeExternal, AuthTypeTwoFactorRemembered:
	default:
		return "", ErrNotPartialTicket
	}
	return p.seal(t)
}

func (p *Protector) seal(t *Ticket) (string, error) {
	now := p.now().UTC()
	if t.Properties.IssuedUTC.IsZero() {
		t.Properties.IssuedUTC = now
	}
	if t.Properties.ExpiresUTC.IsZero() {
		t.Properties.ExpiresUTC = t.Properties.IssuedUTC.Add(p.timeout())
	}

	env := ticketEnvelope{
		AuthType:   t.Identity.AuthenticationType,
		Claims:     t.Identity.Claims(),
		Properties: t.Properties,
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := p.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unprotect decrypts and rehydrates a cookie value. Every failure mode
// (corrupt base64, wrong key, truncation, an old or incompatible claim
// schema) yields nil: a bad cookie must downgrade silently to "please log in
// again" and never surface a decryption error to the request.
func (p *Protector) Unprotect(value string) *Ticket {
	if value == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil
	}
	if len(raw) < p.aead.NonceSize() {
		return nil
	}
	nonce, ciphertext := raw[:p.aead.NonceSize()], raw[p.aead.NonceSize():]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil
	}

	var env ticketEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil
	}
	identity, err := IdentityFromClaims(env.AuthType, env.Claims)
	if err != nil {
		return nil
	}
	return &Ticket{Identity: identity, Properties: env.Properties}
}
