package httpapi

import (
	"net/http"
	"strings"
	"time"

	"atriumcms.org/internal/backoffice"
	"atriumcms.org/internal/obs"
)

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

type verifyTwoFactorRequest struct {
	Provider        string `json:"provider"`
	Code            string `json:"code"`
	RememberMe      bool   `json:"rememberMe"`
	RememberBrowser bool   `json:"rememberBrowser"`
}

type userPayload struct {
	ID                int      `json:"id"`
	Username          string   `json:"username"`
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	Culture           string   `json:"culture,omitempty"`
	Groups            []string `json:"groups,omitempty"`
	ContentStartNodes []int    `json:"contentStartNodes,omitempty"`
	MediaStartNodes   []int    `json:"mediaStartNodes,omitempty"`
}

func toUserPayload(u *backoffice.User) userPayload {
	return userPayload{
		ID:                u.ID,
		Username:          u.Username,
		Name:              u.Name,
		Email:             u.Email,
		Culture:           u.Culture,
		Groups:            u.Groups,
		ContentStartNodes: u.ContentStartNodes,
		MediaStartNodes:   u.MediaStartNodes,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	remembered := a.cookies.ReadTicket(r, a.opts.SignIn.Protector(), a.opts.Config.CookieName+rememberCookieSuffix)
	outcome, err := a.opts.SignIn.PasswordSignInRemembered(r.Context(), username, req.Password, req.RememberMe, true, remembered)
	if err != nil {
		obs.Error("password sign-in failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "sign-in failed")
		return
	}
	a.respondOutcome(w, r, outcome)
}

func (a *API) handleVerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req verifyTwoFactorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "provider and code are required")
		return
	}

	// An expired pending-verification ticket is as good as none: the window
	// between password and code is deliberately short.
	var partial *backoffice.Identity
	if ticket := a.cookies.ReadTicket(r, a.opts.SignIn.Protector(), a.opts.Config.CookieName+twoFactorCookieSuffix); ticket != nil && !ticket.ExpiredAt(time.Now().UTC()) {
		partial = ticket.Identity
	}
	outcome, err := a.opts.SignIn.TwoFactorSignIn(r.Context(), partial, req.Provider, req.Code, req.RememberMe, req.RememberBrowser)
	if err != nil {
		obs.Error("two-factor verification failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	a.respondOutcome(w, r, outcome)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if identity, ok := backoffice.IdentityFromContext(r.Context()); ok {
		a.opts.SignIn.SignOut(r.Context(), identity)
	}
	a.cookies.ClearAuthCookie(w, r)
	a.cookies.ClearTwoFactorCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]any{"signedOut": true})
}

// respondOutcome applies cookie side effects and maps the sign-in result to a
// response. The two-factor branch intentionally returns 200 with a flag: the
// credential half of the attempt succeeded, the client just has another step.
func (a *API) respondOutcome(w http.ResponseWriter, r *http.Request, outcome backoffice.SignInOutcome) {
	a.cookies.Apply(w, r, outcome)
	switch outcome.Result {
	case backoffice.SignInSuccess:
		writeJSON(w, http.StatusOK, toUserPayload(outcome.User))
	case backoffice.SignInTwoFactorRequired:
		writeJSON(w, http.StatusOK, map[string]any{
			"twoFactorRequired": true,
			"providers":         a.opts.SignIn.EnabledProviders(),
		})
	case backoffice.SignInLockedOut:
		writeError(w, http.StatusForbidden, "account is locked out")
	default:
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	}
}
