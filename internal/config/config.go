// Package config carries the service configuration: immutable process-level
// settings read from the environment at startup, and the mutable security
// settings that operators may edit at runtime (hot-reloaded from a JSON file).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SecureCookieMode controls the Secure attribute on the auth cookie.
type SecureCookieMode string

const (
	// SecureAlways always sets the Secure attribute.
	SecureAlways SecureCookieMode = "always"
	// SecureSameAsRequest mirrors the scheme of the inbound request.
	SecureSameAsRequest SecureCookieMode = "request"
)

// Config is the immutable process configuration.
type Config struct {
	HTTPAddr       string
	PGDSN          string
	SQLitePath     string
	BackofficePath string
	CookieName     string
	CookieDomain   string
	SecureCookie   SecureCookieMode
	// MasterKey is the per-installation key material the ticket protector
	// derives its encryption key from. Hex encoded in the environment.
	MasterKey    []byte
	SettingsPath string
}

const (
	defaultHTTPAddr       = ":8080"
	defaultBackofficePath = "/backoffice"
	defaultCookieName     = "ATRIUM_BACKOFFICE_AUTH"
)

// FromEnv reads the process configuration from ATRIUM_* environment variables.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:       envOr("ATRIUM_HTTP_ADDR", defaultHTTPAddr),
		PGDSN:          os.Getenv("ATRIUM_PG_DSN"),
		SQLitePath:     os.Getenv("ATRIUM_SQLITE_PATH"),
		BackofficePath: envOr("ATRIUM_BACKOFFICE_PATH", defaultBackofficePath),
		CookieName:     envOr("ATRIUM_AUTH_COOKIE_NAME", defaultCookieName),
		CookieDomain:   os.Getenv("ATRIUM_AUTH_COOKIE_DOMAIN"),
		SecureCookie:   SecureCookieMode(envOr("ATRIUM_AUTH_COOKIE_SECURE", string(SecureSameAsRequest))),
		SettingsPath:   os.Getenv("ATRIUM_SECURITY_SETTINGS"),
	}
	if cfg.SecureCookie != SecureAlways && cfg.SecureCookie != SecureSameAsRequest {
		return Config{}, fmt.Errorf("config: invalid ATRIUM_AUTH_COOKIE_SECURE %q", cfg.SecureCookie)
	}
	if raw := strings.TrimSpace(os.Getenv("ATRIUM_MASTER_KEY")); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: decode ATRIUM_MASTER_KEY: %w", err)
		}
		if len(key) < 16 {
			return Config{}, fmt.Errorf("config: ATRIUM_MASTER_KEY too short (%d bytes)", len(key))
		}
		cfg.MasterKey = key
	}
	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

// PasswordRules is the configured password complexity policy.
type PasswordRules struct {
	MinLength              int  `json:"min_length"`
	RequireDigit           bool `json:"require_digit"`
	RequireUppercase       bool `json:"require_uppercase"`
	RequireLowercase       bool `json:"require_lowercase"`
	RequireNonAlphanumeric bool `json:"require_non_alphanumeric"`
}

// Settings is the mutable security configuration surface.
type Settings struct {
	LoginTimeoutMinutes        int           `json:"login_timeout_minutes"`
	MaxFailedAccessAttempts    int           `json:"max_failed_access_attempts"`
	LockoutDurationMinutes     int           `json:"lockout_duration_minutes"`
	KeepUserLoggedIn           bool          `json:"keep_user_logged_in"`
	HTTPSRequired              bool          `json:"https_required"`
	RequireStartNodesOnSignIn  bool          `json:"require_start_nodes_on_sign_in"`
	StampValidationMinutes     int           `json:"stamp_validation_minutes"`
	ExplicitAuthenticatedPaths []string      `json:"explicit_authenticated_paths,omitempty"`
	Password                   PasswordRules `json:"password"`
}

// DefaultSettings returns the shipped defaults: a 20 minute login window,
// lockout after 5 failures for 30 days, stamp revalidation every 30 minutes.
func DefaultSettings() Settings {
	return Settings{
		LoginTimeoutMinutes:       20,
		MaxFailedAccessAttempts:   5,
		LockoutDurationMinutes:    30 * 24 * 60,
		KeepUserLoggedIn:          false,
		HTTPSRequired:             false,
		RequireStartNodesOnSignIn: true,
		StampValidationMinutes:    30,
		Password: PasswordRules{
			MinLength:              10,
			RequireDigit:           false,
			RequireUppercase:       false,
			RequireLowercase:       false,
			RequireNonAlphanumeric: false,
		},
	}
}

// LoginTimeout returns the configured ticket lifetime.
func (s Settings) LoginTimeout() time.Duration {
	return time.Duration(s.LoginTimeoutMinutes) * time.Minute
}

// LockoutDuration returns the fixed lockout window.
func (s Settings) LockoutDuration() time.Duration {
	return time.Duration(s.LockoutDurationMinutes) * time.Minute
}

// StampValidationInterval returns the revalidation cadence.
func (s Settings) StampValidationInterval() time.Duration {
	return time.Duration(s.StampValidationMinutes) * time.Minute
}

func atoiOr(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
