package httpapi

import (
	"net/http"
	"strings"
	"time"

	"atriumcms.org/internal/backoffice"
	"atriumcms.org/internal/config"
	"atriumcms.org/internal/runtime"
)

const (
	twoFactorCookieSuffix = "_TwoFactor"
	rememberCookieSuffix  = "_Remember"

	// forceReauthHeader marks a request that must be authenticated even when
	// its path would not normally be.
	forceReauthHeader = "X-Force-Reauthentication"

	remainingSecondsRoute = "/backoffice/UmbracoApi/Authentication/GetRemainingTimeoutSeconds"
	installerPathPrefix   = "/install"
)

// CookieManager owns the auth cookie policy: which requests read the cookie
// at all, and how issued tickets are written back as cookies. It scopes a
// single cookie to several unrelated path prefixes without widening the
// cookie path itself.
type CookieManager struct {
	cfg      config.Config
	settings func() config.Settings
	state    *runtime.State
}

// NewCookieManager constructs the manager. state may be nil, in which case the
// installation is assumed to be running normally.
func NewCookieManager(cfg config.Config, settings func() config.Settings, state *runtime.State) *CookieManager {
	return &CookieManager{cfg: cfg, settings: settings, state: state}
}

// RemainingSecondsPath is the endpoint excluded from normal authentication;
// it carries its own middleware.
func (c *CookieManager) RemainingSecondsPath() string {
	return c.cfg.BackofficePath + remainingSecondsRoute
}

// ShouldAuthenticateRequest decides whether the auth cookie is read for this
// request. It governs reading only; cookie writing happens on sign-in paths.
func (c *CookieManager) ShouldAuthenticateRequest(r *http.Request) bool {
	if c.state != nil {
		switch c.state.Level() {
		case runtime.LevelBoot, runtime.LevelInstall:
			// No user store exists yet. Upgrade state still authenticates.
			return false
		}
	}

	path := r.URL.Path
	if path == c.RemainingSecondsPath() {
		return false
	}
	if explicit := c.settings().ExplicitAuthenticatedPaths; len(explicit) > 0 {
		for _, p := range explicit {
			if path == p {
				return true
			}
		}
		return false
	}
	if r.Header.Get(forceReauthHeader) != "" {
		return true
	}
	return c.isBackofficePath(path) || isInstallerPath(path)
}

func (c *CookieManager) isBackofficePath(path string) bool {
	bo := c.cfg.BackofficePath
	return path == bo || strings.HasPrefix(path, bo+"/")
}

func isInstallerPath(path string) bool {
	return path == installerPathPrefix || strings.HasPrefix(path, installerPathPrefix+"/")
}

func (c *CookieManager) secure(r *http.Request) bool {
	if c.cfg.SecureCookie == config.SecureAlways || c.settings().HTTPSRequired {
		return true
	}
	return r.TLS != nil
}

func (c *CookieManager) write(w http.ResponseWriter, r *http.Request, name, value string, persistent bool, expires time.Time) {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   c.secure(r),
	}
	// A session cookie unless the user asked to be remembered.
	if persistent {
		ck.Expires = expires
	}
	http.SetCookie(w, ck)
}

func (c *CookieManager) clear(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   c.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   c.secure(r),
		MaxAge:   -1,
	})
}

// WriteAuthCookie writes the primary back-office ticket.
func (c *CookieManager) WriteAuthCookie(w http.ResponseWriter, r *http.Request, t *backoffice.IssuedTicket) {
	c.write(w, r, c.cfg.CookieName, t.Value, t.Ticket.Properties.IsPersistent, t.Ticket.Properties.ExpiresUTC)
}

// WriteTwoFactorCookie writes the short-lived pending-verification ticket.
func (c *CookieManager) WriteTwoFactorCookie(w http.ResponseWriter, r *http.Request, t *backoffice.IssuedTicket) {
	c.write(w, r, c.cfg.CookieName+twoFactorCookieSuffix, t.Value, true, t.Ticket.Properties.ExpiresUTC)
}

// WriteRememberBrowserCookie writes the long-lived remembered-browser ticket.
// Its lifetime is independent of the primary cookie.
func (c *CookieManager) WriteRememberBrowserCookie(w http.ResponseWriter, r *http.Request, t *backoffice.IssuedTicket) {
	c.write(w, r, c.cfg.CookieName+rememberCookieSuffix, t.Value, true, t.Ticket.Properties.ExpiresUTC)
}

// ClearAuthCookie removes the primary cookie.
func (c *CookieManager) ClearAuthCookie(w http.ResponseWriter, r *http.Request) {
	c.clear(w, r, c.cfg.CookieName)
}

// ClearTwoFactorCookie removes the pending-verification cookie. The
// remember-browser cookie is deliberately untouched.
func (c *CookieManager) ClearTwoFactorCookie(w http.ResponseWriter, r *http.Request) {
	c.clear(w, r, c.cfg.CookieName+twoFactorCookieSuffix)
}

// Apply turns a sign-in outcome into cookie side effects.
func (c *CookieManager) Apply(w http.ResponseWriter, r *http.Request, outcome backoffice.SignInOutcome) {
	if outcome.ClearPartialCookies() {
		c.ClearTwoFactorCookie(w, r)
	}
	if outcome.Primary != nil {
		c.WriteAuthCookie(w, r, outcome.Primary)
	}
	if outcome.TwoFactor != nil {
		c.WriteTwoFactorCookie(w, r, outcome.TwoFactor)
	}
	if outcome.RememberBrowser != nil {
		c.WriteRememberBrowserCookie(w, r, outcome.RememberBrowser)
	}
}

// ReadTicket fetches and unprotects the named cookie. A missing or unreadable
// cookie is nil.
func (c *CookieManager) ReadTicket(r *http.Request, protector *backoffice.Protector, name string) *backoffice.Ticket {
	ck, err := r.Cookie(name)
	if err != nil {
		return nil
	}
	return protector.Unprotect(ck.Value)
}
