package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"atriumcms.org/api/spec"
	"atriumcms.org/internal/audit"
	"atriumcms.org/internal/backoffice"
	"atriumcms.org/internal/config"
	"atriumcms.org/internal/obs"
	"atriumcms.org/internal/runtime"
	"atriumcms.org/internal/stream"
)

// ReadyProbe — простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the collaborators of the HTTP layer.
type Options struct {
	Version  string
	Ready    ReadyProbe
	Config   config.Config
	Settings func() config.Settings
	State    *runtime.State
	Users    *backoffice.UserManager
	SignIn   *backoffice.SignInManager
	Stream   *stream.Stream
	Recent   *audit.MemorySink
}

// API — HTTP слой.
type API struct {
	router  *mux.Router
	opts    Options
	cookies *CookieManager
}

func New(opts Options) (*API, error) {
	if opts.SignIn == nil || opts.Users == nil {
		return nil, errors.New("httpapi: sign-in and user managers are required")
	}
	if opts.Settings == nil {
		return nil, errors.New("httpapi: settings source is required")
	}
	a := &API{
		router:  mux.NewRouter(),
		opts:    opts,
		cookies: NewCookieManager(opts.Config, opts.Settings, opts.State),
	}

	r := a.router

	// health/ready/info
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)

	// OpenAPI YAML
	r.HandleFunc("/openapi.yaml", a.OpenAPISpec).Methods(http.MethodGet)

	// Prometheus metrics
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	bo := opts.Config.BackofficePath
	authn := r.PathPrefix(bo + "/api/authentication").Subrouter()
	authn.Handle("/login", RateLimit(http.HandlerFunc(a.handleLogin), 10, 5)).Methods(http.MethodPost)
	authn.Handle("/verify2fa", RateLimit(http.HandlerFunc(a.handleVerifyTwoFactor), 10, 5)).Methods(http.MethodPost)
	authn.HandleFunc("/logout", a.handleLogout).Methods(http.MethodPost)
	authn.HandleFunc("/remaining-seconds", a.handleRemainingSeconds).Methods(http.MethodGet)

	// Route literal kept for wire compatibility with existing clients.
	r.HandleFunc(a.cookies.RemainingSecondsPath(), a.handleRemainingSeconds).Methods(http.MethodGet)

	r.HandleFunc(bo+"/api/audit/stream", a.AuditStream).Methods(http.MethodGet)
	r.HandleFunc(bo+"/api/audit/recent", a.handleRecentAudit).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a, nil
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	// оборачиваем весь роутер метриками
	return obs.Instrument(a.withBackofficeAuth(a.router))
}

// Cookies exposes the cookie manager for composition in main.
func (a *API) Cookies() *CookieManager { return a.cookies }

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "atrium-backoffice",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.opts.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	level := runtime.LevelRun
	if a.opts.State != nil {
		level = a.opts.State.Level()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "atrium-backoffice",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
		"runtime": level.String(),
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI) // в пакете atriumcms.org/api/spec: //go:embed openapi.yaml
}

func (a *API) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := backoffice.IdentityFromContext(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	events := []audit.Event{}
	if a.opts.Recent != nil {
		events = a.opts.Recent.Events()
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
