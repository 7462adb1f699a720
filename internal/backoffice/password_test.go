package backoffice

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"atriumcms.org/internal/config"
)

func fastHasherChain() *HasherChain {
	return &HasherChain{
		Primary: BCryptHasher{Cost: bcrypt.MinCost},
		Legacy:  []PasswordHasher{LegacySHA256Hasher{}},
	}
}

func legacyHash(password string) string {
	sum := sha256.Sum256([]byte(password))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestHasherChainVerify(t *testing.T) {
	chain := fastHasherChain()
	hash, err := chain.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if ok, legacy := chain.Verify(hash, "correct horse battery"); !ok || legacy {
		t.Fatalf("primary verify: ok=%v legacy=%v", ok, legacy)
	}
	if ok, _ := chain.Verify(hash, "wrong"); ok {
		t.Fatal("wrong password accepted")
	}
	if ok, _ := chain.Verify("", "anything"); ok {
		t.Fatal("empty hash accepted")
	}
	if ok, legacy := chain.Verify(legacyHash("old secret"), "old secret"); !ok || !legacy {
		t.Fatalf("legacy verify: ok=%v legacy=%v", ok, legacy)
	}
}

func TestValidatePassword(t *testing.T) {
	rules := config.PasswordRules{
		MinLength:              10,
		RequireDigit:           true,
		RequireUppercase:       true,
		RequireLowercase:       true,
		RequireNonAlphanumeric: true,
	}
	cases := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"all rules satisfied", "Sup3r-secret", false},
		{"too short", "Ab3!x", true},
		{"no digit", "Super-secret", true},
		{"no uppercase", "sup3r-secret", true},
		{"no lowercase", "SUP3R-SECRET", true},
		{"no symbol", "Sup3rsecret9", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePassword(rules, tc.password)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidatePassword(%q) = %v, wantErr=%v", tc.password, err, tc.wantErr)
			}
		})
	}
}

func TestPasswordGeneratorSatisfiesRules(t *testing.T) {
	rules := config.PasswordRules{
		MinLength:              14,
		RequireDigit:           true,
		RequireUppercase:       true,
		RequireLowercase:       true,
		RequireNonAlphanumeric: true,
	}
	gen := NewPasswordGenerator(rules)
	for i := 0; i < 20; i++ {
		pw, err := gen.Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(pw) < 14 {
			t.Fatalf("generated password too short: %q", pw)
		}
		if err := ValidatePassword(rules, pw); err != nil {
			t.Fatalf("generated password violates its own rules: %q: %v", pw, err)
		}
	}
}

func TestPasswordGeneratorMinimumLength(t *testing.T) {
	gen := NewPasswordGenerator(config.PasswordRules{MinLength: 4})
	pw, err := gen.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(pw) < 12 {
		t.Fatalf("generator floor not applied: %q", pw)
	}
	for _, r := range pw {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			if !strings.ContainsRune(generatorOther, r) {
				t.Fatalf("unexpected character %q in %q", r, pw)
			}
		}
	}
}
