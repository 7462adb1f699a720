package backoffice

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"atriumcms.org/internal/config"
)

// PasswordHasher produces and verifies password hashes.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// BCryptHasher is the default hasher.
type BCryptHasher struct {
	Cost int
}

// Hash implements PasswordHasher.
func (h BCryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify implements PasswordHasher.
func (h BCryptHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// LegacySHA256Hasher verifies hashes produced by the pre-migration membership
// stack: base64 of the unsalted SHA-256 digest. It never produces new hashes.
type LegacySHA256Hasher struct{}

// Hash always fails; the legacy scheme is verify-only.
func (LegacySHA256Hasher) Hash(string) (string, error) {
	return "", fmt.Errorf("%w: legacy hasher is verify-only", ErrInvalidInput)
}

// Verify implements PasswordHasher.
func (LegacySHA256Hasher) Verify(hash, password string) bool {
	sum := sha256.Sum256([]byte(password))
	expected := base64.StdEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(hash), []byte(expected)) == 1
}

// HasherChain verifies against the primary hasher first and falls back to
// legacy schemes. A legacy match is reported so the caller can rehash the
// password with the primary scheme.
type HasherChain struct {
	Primary PasswordHasher
	Legacy  []PasswordHasher
}

// DefaultHasherChain returns the bcrypt-first chain with the legacy SHA-256
// fallback.
func DefaultHasherChain() *HasherChain {
	return &HasherChain{
		Primary: BCryptHasher{},
		Legacy:  []PasswordHasher{LegacySHA256Hasher{}},
	}
}

// Hash produces a hash with the primary scheme.
func (c *HasherChain) Hash(password string) (string, error) {
	return c.Primary.Hash(password)
}

// Verify checks the password against the chain. legacy is true when a
// fallback scheme matched and the stored hash should be upgraded.
func (c *HasherChain) Verify(hash, password string) (ok, legacy bool) {
	if hash == "" {
		return false, false
	}
	if c.Primary.Verify(hash, password) {
		return true, false
	}
	for _, h := range c.Legacy {
		if h.Verify(hash, password) {
			return true, true
		}
	}
	return false, false
}

// ValidatePassword checks a candidate password against the configured
// complexity rules. The returned error names the first failing rule.
func ValidatePassword(rules config.PasswordRules, password string) error {
	if len(password) < rules.MinLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, rules.MinLength)
	}
	var hasDigit, hasUpper, hasLower, hasOther bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		default:
			hasOther = true
		}
	}
	if rules.RequireDigit && !hasDigit {
		return fmt.Errorf("%w: password requires a digit", ErrInvalidInput)
	}
	if rules.RequireUppercase && !hasUpper {
		return fmt.Errorf("%w: password requires an uppercase character", ErrInvalidInput)
	}
	if rules.RequireLowercase && !hasLower {
		return fmt.Errorf("%w: password requires a lowercase character", ErrInvalidInput)
	}
	if rules.RequireNonAlphanumeric && !hasOther {
		return fmt.Errorf("%w: password requires a non-alphanumeric character", ErrInvalidInput)
	}
	return nil
}

const (
	generatorLower  = "abcdefghijkmnopqrstuvwxyz"
	generatorUpper  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	generatorDigits = "23456789"
	generatorOther  = "!@#$%^&*-_=+"
)

// PasswordGenerator produces random passwords satisfying a rule set. It is
// stateless and safe for concurrent use.
type PasswordGenerator struct {
	rules config.PasswordRules
}

// NewPasswordGenerator returns a generator for the given rules.
func NewPasswordGenerator(rules config.PasswordRules) *PasswordGenerator {
	return &PasswordGenerator{rules: rules}
}

// Generate returns a fresh password satisfying the generator's rules.
func (g *PasswordGenerator) Generate() (string, error) {
	length := g.rules.MinLength
	if length < 12 {
		length = 12
	}

	var required []string
	if g.rules.RequireDigit {
		required = append(required, generatorDigits)
	}
	if g.rules.RequireUppercase {
		required = append(required, generatorUpper)
	}
	if g.rules.RequireLowercase {
		required = append(required, generatorLower)
	}
	if g.rules.RequireNonAlphanumeric {
		required = append(required, generatorOther)
	}

	corpus := generatorLower + generatorUpper + generatorDigits
	if g.rules.RequireNonAlphanumeric {
		corpus += generatorOther
	}

	var b strings.Builder
	for _, set := range required {
		ch, err := randomFrom(set)
		if err != nil {
			return "", err
		}
		b.WriteByte(ch)
	}
	for b.Len() < length {
		ch, err := randomFrom(corpus)
		if err != nil {
			return "", err
		}
		b.WriteByte(ch)
	}
	return b.String(), nil
}

func randomFrom(corpus string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(corpus))))
	if err != nil {
		return 0, err
	}
	return corpus[n.Int64()], nil
}
