package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"atriumcms.org/internal/backoffice"
	"atriumcms.org/internal/obs"
)

const expiryWarningWindow = 30 * time.Second

// handleRemainingSeconds reports how many seconds the caller's ticket has
// left, as plain text. It bypasses normal authentication (the cookie manager
// excludes its path) and unprotects the cookie itself. With the keep-user-
// logged-in policy on it also slides the window: once more than half the span
// has elapsed the cookie is re-issued, after a session check against the
// store so a concurrent invalidation still wins.
func (a *API) handleRemainingSeconds(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store, must-revalidate, no-cache, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "-1")

	now := time.Now().UTC()
	ticket := a.cookies.ReadTicket(r, a.opts.SignIn.Protector(), a.opts.Config.CookieName)
	if ticket == nil || !ticket.Identity.IsBackoffice() || ticket.ExpiredAt(now) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	remaining := ticket.RemainingAt(now)
	if a.opts.Settings().KeepUserLoggedIn {
		if remaining < ticket.ElapsedAt(now) && a.sessionStillValid(r, ticket) {
			renewed, err := a.opts.SignIn.RenewTicket(ticket)
			if err == nil {
				a.cookies.WriteAuthCookie(w, r, renewed)
				ticket = renewed.Ticket
				remaining = ticket.RemainingAt(now)
			}
		}
	} else if remaining <= expiryWarningWindow {
		uid, _ := ticket.Identity.UserID()
		obs.Info("session about to expire", map[string]any{
			"user_id": uid, "remaining_seconds": int64(remaining.Seconds()),
		})
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%d", int64(remaining.Seconds()))
}

// sessionStillValid re-checks the stored security stamp before a sliding
// renewal, so an invalidation from another device is not renewed over.
func (a *API) sessionStillValid(r *http.Request, ticket *backoffice.Ticket) bool {
	uid, ok := ticket.Identity.UserID()
	if !ok {
		return false
	}
	stamp, err := a.opts.Users.Store().Users(r.Context()).GetSecurityStamp(r.Context(), uid)
	if err != nil {
		// Store trouble: do not renew, the ticket keeps its current window.
		return false
	}
	return stamp != "" && stamp == ticket.Identity.SecurityStamp()
}
