package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"atriumcms.org/internal/audit"
	"atriumcms.org/internal/backoffice"
	"atriumcms.org/internal/config"
	"atriumcms.org/internal/runtime"
	"atriumcms.org/internal/stream"
)

type staticProvider struct {
	code string
}

func (p staticProvider) Name() string { return "static" }

func (p staticProvider) ValidateCode(_ context.Context, _ *backoffice.User, code string) (bool, error) {
	return code == p.code, nil
}

type testEnv struct {
	t        *testing.T
	srv      *httptest.Server
	client   *http.Client
	store    *backoffice.MemStore
	sink     *audit.MemorySink
	users    *backoffice.UserManager
	signin   *backoffice.SignInManager
	cfg      config.Config
	settings *config.Settings
}

func newTestEnv(t *testing.T, signinOpts ...backoffice.SignInOption) *testEnv {
	t.Helper()

	cfg := config.Config{
		BackofficePath: "/backoffice",
		CookieName:     "ATRIUM_BACKOFFICE_AUTH",
		SecureCookie:   config.SecureSameAsRequest,
		MasterKey:      []byte("0123456789abcdef0123456789abcdef"),
	}
	settings := config.DefaultSettings()
	settings.MaxFailedAccessAttempts = 3
	settingsFn := func() config.Settings { return settings }

	store := backoffice.NewMemStore()
	sink := audit.NewMemorySink(128)
	users, err := backoffice.NewUserManager(store, sink, settingsFn,
		backoffice.WithHasherChain(&backoffice.HasherChain{
			Primary: backoffice.BCryptHasher{Cost: bcrypt.MinCost},
			Legacy:  []backoffice.PasswordHasher{backoffice.LegacySHA256Hasher{}},
		}))
	if err != nil {
		t.Fatalf("NewUserManager: %v", err)
	}
	protector, err := backoffice.NewProtector(cfg.MasterKey, func() time.Duration {
		return settingsFn().LoginTimeout()
	})
	if err != nil {
		t.Fatalf("NewProtector: %v", err)
	}
	signin, err := backoffice.NewSignInManager(users, protector, sink, settingsFn, signinOpts...)
	if err != nil {
		t.Fatalf("NewSignInManager: %v", err)
	}

	api, err := New(Options{
		Version:  "test",
		Config:   cfg,
		Settings: settingsFn,
		State:    runtime.NewState(runtime.LevelRun),
		Users:    users,
		SignIn:   signin,
		Stream:   stream.New(),
		Recent:   sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	client := srv.Client()
	client.Jar = jar

	return &testEnv{
		t: t, srv: srv, client: client,
		store: store, sink: sink, users: users, signin: signin,
		cfg: cfg, settings: &settings,
	}
}

func (e *testEnv) seedUser(username, password string, mutate func(*backoffice.User)) *backoffice.User {
	e.t.Helper()
	ctx := context.Background()
	hash, err := backoffice.BCryptHasher{Cost: bcrypt.MinCost}.Hash(password)
	if err != nil {
		e.t.Fatalf("hash: %v", err)
	}
	u := &backoffice.User{
		Username:          username,
		Name:              username,
		Email:             username + "@example.test",
		PasswordHash:      hash,
		SecurityStamp:     e.users.GenerateSecurityStamp(),
		IsApproved:        true,
		ContentStartNodes: []int{-1},
		MediaStartNodes:   []int{-1},
	}
	if mutate != nil {
		mutate(u)
	}
	if err := e.store.Users(ctx).Create(ctx, u); err != nil {
		e.t.Fatalf("seed user: %v", err)
	}
	return u
}

func (e *testEnv) post(path string, body any) *http.Response {
	e.t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		e.t.Fatalf("marshal body: %v", err)
	}
	resp, err := e.client.Post(e.srv.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(path string) *http.Response {
	e.t.Helper()
	resp, err := e.client.Get(e.srv.URL + path)
	if err != nil {
		e.t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (e *testEnv) login(username, password string) *http.Response {
	return e.post("/backoffice/api/authentication/login", map[string]any{
		"username": username,
		"password": password,
	})
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get("/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestLoginIssuesCookie(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("alice", "correct horse battery", nil)

	resp := env.login("alice", "correct horse battery")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["username"] != "alice" {
		t.Fatalf("unexpected payload: %v", body)
	}

	var authCookie *http.Cookie
	for _, ck := range resp.Cookies() {
		if ck.Name == env.cfg.CookieName {
			authCookie = ck
		}
	}
	if authCookie == nil || authCookie.Value == "" {
		t.Fatal("auth cookie not set")
	}
	if !authCookie.HttpOnly {
		t.Fatal("auth cookie must be HttpOnly")
	}
	if ticket := env.signin.Protector().Unprotect(authCookie.Value); ticket == nil || !ticket.Identity.IsBackoffice() {
		t.Fatal("cookie value is not a valid backoffice ticket")
	}
}

func TestLoginRejections(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("alice", "correct horse battery", nil)

	resp := env.login("alice", "wrong password")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/backoffice/api/authentication/login", map[string]any{"username": "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing password: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Two more failures reach the lockout threshold of three.
	for i := 0; i < 2; i++ {
		resp = env.login("alice", "wrong password")
		resp.Body.Close()
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("lockout: status = %d", resp.StatusCode)
	}
	resp = env.login("alice", "correct horse battery")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("locked account with valid credentials: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRemainingSeconds(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("alice", "correct horse battery", nil)

	const route = "/backoffice/backoffice/UmbracoApi/Authentication/GetRemainingTimeoutSeconds"

	// Without a ticket: 401, still cache-busted.
	resp := env.get(route)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store, must-revalidate, no-cache, max-age=0" {
		t.Fatalf("Cache-Control = %q", cc)
	}
	if resp.Header.Get("Pragma") != "no-cache" || resp.Header.Get("Expires") != "-1" {
		t.Fatalf("missing cache-busting headers: %v", resp.Header)
	}
	resp.Body.Close()

	env.login("alice", "correct horse battery").Body.Close()

	resp = env.get(route)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated: status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	seconds, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("body %q is not an integer", raw)
	}
	if seconds <= 0 || seconds > 20*60 {
		t.Fatalf("remaining seconds = %d", seconds)
	}

	// The alias route behaves identically.
	resp = env.get("/backoffice/api/authentication/remaining-seconds")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alias: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("alice", "correct horse battery", nil)
	env.login("alice", "correct horse battery").Body.Close()

	resp := env.post("/backoffice/api/authentication/logout", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	cleared := false
	for _, ck := range resp.Cookies() {
		if ck.Name == env.cfg.CookieName && ck.MaxAge < 0 {
			cleared = true
		}
	}
	resp.Body.Close()
	if !cleared {
		t.Fatal("auth cookie not cleared")
	}
	if got := len(env.sink.ByAction(audit.ActionLogoutSuccess)); got != 1 {
		t.Fatalf("LogoutSuccess events = %d, want 1", got)
	}

	// The session is gone: the remaining-seconds endpoint rejects.
	resp = env.get("/backoffice/api/authentication/remaining-seconds")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("after logout: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTwoFactorHTTPFlow(t *testing.T) {
	env := newTestEnv(t, backoffice.WithTwoFactorProvider(staticProvider{code: "424242"}))
	env.seedUser("alice", "correct horse battery", func(u *backoffice.User) {
		u.TwoFactorEnabled = true
	})

	resp := env.login("alice", "correct horse battery")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["twoFactorRequired"] != true {
		t.Fatalf("expected twoFactorRequired flag, got %v", body)
	}
	var partialSet bool
	for _, ck := range resp.Cookies() {
		if ck.Name == env.cfg.CookieName+twoFactorCookieSuffix && ck.Value != "" {
			partialSet = true
		}
		if ck.Name == env.cfg.CookieName && ck.Value != "" {
			t.Fatal("primary cookie issued before verification")
		}
	}
	if !partialSet {
		t.Fatal("two-factor cookie not set")
	}

	// Wrong code fails without issuing the primary cookie.
	resp = env.post("/backoffice/api/authentication/verify2fa", map[string]any{
		"provider": "static", "code": "000000",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong code: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/backoffice/api/authentication/verify2fa", map[string]any{
		"provider": "static", "code": "424242", "rememberBrowser": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: status = %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["username"] != "alice" {
		t.Fatalf("unexpected payload: %v", body)
	}
	var primary, remember bool
	for _, ck := range resp.Cookies() {
		switch ck.Name {
		case env.cfg.CookieName:
			primary = ck.Value != ""
		case env.cfg.CookieName + rememberCookieSuffix:
			remember = ck.Value != ""
		}
	}
	if !primary {
		t.Fatal("primary cookie not issued after verification")
	}
	if !remember {
		t.Fatal("remember-browser cookie not issued")
	}

	// A later login from this browser skips the verification step.
	resp = env.login("alice", "correct horse battery")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remembered login: status = %d", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["twoFactorRequired"] == true {
		t.Fatal("remembered browser was challenged again")
	}
	if body["username"] != "alice" {
		t.Fatalf("unexpected payload: %v", body)
	}
}

func TestVerifyTwoFactorExpiredWindow(t *testing.T) {
	env := newTestEnv(t, backoffice.WithTwoFactorProvider(staticProvider{code: "424242"}))
	u := env.seedUser("alice", "correct horse battery", func(u *backoffice.User) {
		u.TwoFactorEnabled = true
	})

	// A pending-verification ticket whose five-minute window closed long ago.
	now := time.Now().UTC()
	stale := &backoffice.Ticket{
		Identity: backoffice.NewTwoFactorIdentity(u),
		Properties: backoffice.TicketProperties{
			IssuedUTC:  now.Add(-2 * time.Hour),
			ExpiresUTC: now.Add(-115 * time.Minute),
		},
	}
	value, err := env.signin.Protector().ProtectPartial(stale)
	if err != nil {
		t.Fatalf("ProtectPartial: %v", err)
	}

	payload, err := json.Marshal(map[string]any{"provider": "static", "code": "424242"})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/backoffice/api/authentication/verify2fa", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: env.cfg.CookieName + twoFactorCookieSuffix, Value: value})
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		t.Fatalf("POST verify2fa: %v", err)
	}
	defer resp.Body.Close()

	// The correct code cannot rescue an expired window.
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == env.cfg.CookieName && ck.Value != "" {
			t.Fatal("primary cookie issued from an expired verification window")
		}
	}
}

func TestRecentAuditRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("alice", "correct horse battery", nil)

	resp := env.get("/backoffice/api/audit/recent")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	env.login("alice", "correct horse battery").Body.Close()
	resp = env.get("/backoffice/api/audit/recent")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated: status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	events, ok := body["events"].([]any)
	if !ok || len(events) == 0 {
		t.Fatalf("expected recorded events, got %v", body["events"])
	}
}
