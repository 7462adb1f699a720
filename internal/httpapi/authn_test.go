package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"atriumcms.org/internal/backoffice"
	"atriumcms.org/internal/config"
	"atriumcms.org/internal/runtime"
)

func TestShouldAuthenticateRequest(t *testing.T) {
	cfg := config.Config{BackofficePath: "/backoffice", CookieName: "ATRIUM_BACKOFFICE_AUTH"}
	settings := config.DefaultSettings()

	cases := []struct {
		name     string
		level    runtime.Level
		path     string
		header   bool
		explicit []string
		want     bool
	}{
		{name: "backoffice path", level: runtime.LevelRun, path: "/backoffice/api/users", want: true},
		{name: "backoffice root", level: runtime.LevelRun, path: "/backoffice", want: true},
		{name: "installer path", level: runtime.LevelRun, path: "/install/step-2", want: true},
		{name: "front-end path", level: runtime.LevelRun, path: "/blog/post-1", want: false},
		{name: "prefix lookalike", level: runtime.LevelRun, path: "/backofficeX/api", want: false},
		{name: "boot state", level: runtime.LevelBoot, path: "/backoffice/api/users", want: false},
		{name: "install state", level: runtime.LevelInstall, path: "/backoffice/api/users", want: false},
		{name: "upgrade state still authenticates", level: runtime.LevelUpgrade, path: "/backoffice/api/users", want: true},
		{
			name:  "remaining-seconds excluded",
			level: runtime.LevelRun,
			path:  "/backoffice/backoffice/UmbracoApi/Authentication/GetRemainingTimeoutSeconds",
			want:  false,
		},
		{name: "force-reauth header wins", level: runtime.LevelRun, path: "/blog/post-1", header: true, want: true},
		{
			name: "explicit list exact match", level: runtime.LevelRun,
			path: "/custom/protected", explicit: []string{"/custom/protected"}, want: true,
		},
		{
			name: "explicit list is exact, not prefix", level: runtime.LevelRun,
			path: "/custom/protected/sub", explicit: []string{"/custom/protected"}, want: false,
		},
		{
			name: "explicit list overrides backoffice classification", level: runtime.LevelRun,
			path: "/backoffice/api/users", explicit: []string{"/custom/protected"}, want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := settings
			s.ExplicitAuthenticatedPaths = tc.explicit
			cm := NewCookieManager(cfg, func() config.Settings { return s }, runtime.NewState(tc.level))

			r := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header {
				r.Header.Set(forceReauthHeader, "1")
			}
			if got := cm.ShouldAuthenticateRequest(r); got != tc.want {
				t.Fatalf("ShouldAuthenticateRequest(%s) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestHTTPSRequiredForcesSecureCookie(t *testing.T) {
	cfg := config.Config{
		BackofficePath: "/backoffice",
		CookieName:     "ATRIUM_BACKOFFICE_AUTH",
		SecureCookie:   config.SecureSameAsRequest,
	}
	cases := []struct {
		name     string
		required bool
		want     bool
	}{
		{"plain request without the requirement", false, false},
		{"plain request with https required", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := config.DefaultSettings()
			s.HTTPSRequired = tc.required
			cm := NewCookieManager(cfg, func() config.Settings { return s }, nil)

			rec := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "http://plain.example/backoffice", nil)
			cm.WriteAuthCookie(rec, r, &backoffice.IssuedTicket{
				Value:  "opaque",
				Ticket: &backoffice.Ticket{},
			})

			cks := rec.Result().Cookies()
			if len(cks) != 1 {
				t.Fatalf("cookies written = %d, want 1", len(cks))
			}
			if cks[0].Secure != tc.want {
				t.Fatalf("Secure = %v, want %v", cks[0].Secure, tc.want)
			}
		})
	}
}

// agedTicketCookie protects a ticket with custom lifecycle timestamps and
// returns it as a cookie ready to attach to a request.
func (e *testEnv) agedTicketCookie(u *backoffice.User, issued, expires time.Time) *http.Cookie {
	e.t.Helper()
	ticket := &backoffice.Ticket{
		Identity: backoffice.NewUserIdentity(u),
		Properties: backoffice.TicketProperties{
			IssuedUTC:  issued,
			ExpiresUTC: expires,
		},
	}
	value, err := e.signin.Protector().Protect(ticket)
	if err != nil {
		e.t.Fatalf("Protect: %v", err)
	}
	return &http.Cookie{Name: e.cfg.CookieName, Value: value}
}

func (e *testEnv) doWithCookie(path string, ck *http.Cookie) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		e.t.Fatalf("NewRequest: %v", err)
	}
	if ck != nil {
		req.AddCookie(ck)
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		e.t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func clearedCookie(resp *http.Response, name string) bool {
	for _, ck := range resp.Cookies() {
		if ck.Name == name && ck.MaxAge < 0 {
			return true
		}
	}
	return false
}

func TestExpiredCookieCleared(t *testing.T) {
	env := newTestEnv(t)
	u := env.seedUser("alice", "correct horse battery", nil)

	now := time.Now().UTC()
	ck := env.agedTicketCookie(u, now.Add(-2*time.Hour), now.Add(-1*time.Hour))

	resp := env.doWithCookie("/backoffice/api/audit/recent", ck)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !clearedCookie(resp, env.cfg.CookieName) {
		t.Fatal("expired cookie was not cleared")
	}
}

func TestGarbageCookieIsAnonymous(t *testing.T) {
	env := newTestEnv(t)

	ck := &http.Cookie{Name: env.cfg.CookieName, Value: "not-a-ticket"}
	resp := env.doWithCookie("/backoffice/api/audit/recent", ck)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStampRevalidationRejectsStaleSession(t *testing.T) {
	env := newTestEnv(t)
	u := env.seedUser("alice", "correct horse battery", nil)

	// Old enough that the revalidation cadence fires.
	now := time.Now().UTC()
	ck := env.agedTicketCookie(u, now.Add(-40*time.Minute), now.Add(10*time.Minute))

	// The stamp rotates after the ticket was issued, e.g. a password change
	// from another browser.
	ctx := context.Background()
	if err := env.store.Users(ctx).SetSecurityStamp(ctx, u.ID, env.users.GenerateSecurityStamp()); err != nil {
		t.Fatalf("SetSecurityStamp: %v", err)
	}

	resp := env.doWithCookie("/backoffice/api/audit/recent", ck)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !clearedCookie(resp, env.cfg.CookieName) {
		t.Fatal("stale-stamp cookie was not cleared")
	}
}

func TestStampRevalidationRenewsMatchingSession(t *testing.T) {
	env := newTestEnv(t)
	u := env.seedUser("alice", "correct horse battery", nil)

	now := time.Now().UTC()
	ck := env.agedTicketCookie(u, now.Add(-40*time.Minute), now.Add(10*time.Minute))

	resp := env.doWithCookie("/backoffice/api/audit/recent", ck)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var refreshed *backoffice.Ticket
	for _, c := range resp.Cookies() {
		if c.Name == env.cfg.CookieName && c.Value != "" {
			refreshed = env.signin.Protector().Unprotect(c.Value)
		}
	}
	if refreshed == nil {
		t.Fatal("expected a renewed auth cookie")
	}
	if !refreshed.Properties.ExpiresUTC.After(now.Add(15 * time.Minute)) {
		t.Fatalf("renewed ticket window not refreshed: expires %v", refreshed.Properties.ExpiresUTC)
	}
}
