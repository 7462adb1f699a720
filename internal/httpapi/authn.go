package httpapi

import (
	"net/http"
	"time"

	"atriumcms.org/internal/audit"
	"atriumcms.org/internal/backoffice"
	"atriumcms.org/internal/obs"
)

// withBackofficeAuth reads the auth cookie on requests the cookie manager
// classifies as authenticated, attaches the resulting identity to the request
// context and handles the periodic security-stamp revalidation. A bad or
// stale cookie downgrades the request to anonymous; handlers that need an
// identity enforce it themselves.
func (a *API) withBackofficeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithIP(r.Context(), clientIP(r))
		r = r.WithContext(ctx)

		if !a.cookies.ShouldAuthenticateRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		ticket := a.cookies.ReadTicket(r, a.opts.SignIn.Protector(), a.opts.Config.CookieName)
		if ticket == nil || !ticket.Identity.IsBackoffice() {
			next.ServeHTTP(w, r)
			return
		}
		if ticket.ExpiredAt(time.Now().UTC()) {
			a.cookies.ClearAuthCookie(w, r)
			next.ServeHTTP(w, r)
			return
		}

		res, renewed, err := a.opts.SignIn.RevalidateSecurityStamp(ctx, ticket)
		switch res {
		case backoffice.RevalidationRejected:
			// Stamp mismatch or vanished user: the session is dead everywhere.
			a.cookies.ClearAuthCookie(w, r)
			next.ServeHTTP(w, r)
			return
		case backoffice.RevalidationRenewed:
			a.cookies.WriteAuthCookie(w, r, renewed)
			ticket = renewed.Ticket
		default:
			if err != nil {
				// Store trouble: keep the session, revalidate next time.
				obs.Warn("security stamp revalidation failed", map[string]any{"error": err.Error()})
			}
		}

		ctx = backoffice.ContextWithIdentity(ctx, ticket.Identity)
		if uid, ok := ticket.Identity.UserID(); ok {
			ctx = audit.WithActor(ctx, uid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireIdentity extracts the authenticated identity or writes a 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*backoffice.Identity, bool) {
	identity, ok := backoffice.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return identity, true
}
