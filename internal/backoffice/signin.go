package backoffice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atriumcms.org/internal/audit"
	"atriumcms.org/internal/config"
	"atriumcms.org/internal/obs"
)

// SignInResult is the terminal outcome of a sign-in attempt.
type SignInResult int

const (
	SignInFailed SignInResult = iota
	SignInSuccess
	SignInLockedOut
	SignInTwoFactorRequired
)

func (r SignInResult) String() string {
	switch r {
	case SignInSuccess:
		return "success"
	case SignInLockedOut:
		return "locked_out"
	case SignInTwoFactorRequired:
		return "requires_verification"
	default:
		return "failed"
	}
}

// IssuedTicket pairs a ticket with its protected cookie value.
type IssuedTicket struct {
	Value  string
	Ticket *Ticket
}

// SignInOutcome is the result of a sign-in attempt. At most one of the ticket
// fields relevant to the result is populated; the HTTP layer turns them into
// cookies. Issuing the primary ticket implies the partial cookies must be
// cleared first so stale partial state cannot bleed into a full session.
type SignInOutcome struct {
	Result          SignInResult
	User            *User
	Primary         *IssuedTicket
	TwoFactor       *IssuedTicket
	RememberBrowser *IssuedTicket
}

// ClearPartialCookies reports whether the partial (two-factor, external)
// cookies must be removed alongside applying this outcome.
func (o SignInOutcome) ClearPartialCookies() bool { return o.Primary != nil }

// RevalidationOutcome is the result of a security-stamp revalidation pass.
type RevalidationOutcome int

const (
	// RevalidationSkipped means the cadence gate decided not to revalidate yet.
	RevalidationSkipped RevalidationOutcome = iota
	// RevalidationRenewed means the stamp matched and a refreshed ticket was issued.
	RevalidationRenewed
	// RevalidationRejected means the session must be terminated.
	RevalidationRejected
)

const (
	twoFactorTicketTTL = 5 * time.Minute
	rememberBrowserTTL = 30 * 24 * time.Hour
)

// SignInManager turns validated credentials into issued tickets and owns the
// two-factor and revalidation state machines.
type SignInManager struct {
	users     *UserManager
	protector *Protector
	sink      audit.Sink
	settings  func() config.Settings
	providers map[string]TwoFactorProvider
	now       func() time.Time
}

// SignInOption configures a SignInManager.
type SignInOption func(*SignInManager)

// WithTwoFactorProvider registers a verification provider.
func WithTwoFactorProvider(p TwoFactorProvider) SignInOption {
	return func(s *SignInManager) { s.providers[p.Name()] = p }
}

// WithSignInClock overrides the time source (useful for tests).
func WithSignInClock(fn func() time.Time) SignInOption {
	return func(s *SignInManager) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSignInManager constructs a SignInManager. Missing collaborators are
// construction errors.
func NewSignInManager(users *UserManager, protector *Protector, sink audit.Sink, settings func() config.Settings, opts ...SignInOption) (*SignInManager, error) {
	if users == nil {
		return nil, errors.New("backoffice: sign-in manager requires a user manager")
	}
	if protector == nil {
		return nil, errors.New("backoffice: sign-in manager requires a protector")
	}
	if sink == nil {
		return nil, errors.New("backoffice: sign-in manager requires an audit sink")
	}
	if settings == nil {
		return nil, errors.New("backoffice: sign-in manager requires a settings source")
	}
	s := &SignInManager{
		users:     users,
		protector: protector,
		sink:      sink,
		settings:  settings,
		providers: make(map[string]TwoFactorProvider),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Protector exposes the ticket protector for middleware use.
func (s *SignInManager) Protector() *Protector { return s.protector }

// PasswordSignIn is the single entry of the credential state machine.
//
// Unknown usernames get a placeholder user so the checker chain decides
// validity; their failures are audited by attempted username so operators can
// see brute-force probing of accounts that do not exist.
func (s *SignInManager) PasswordSignIn(ctx context.Context, username, password string, isPersistent, shouldLockout bool) (SignInOutcome, error) {
	return s.PasswordSignInRemembered(ctx, username, password, isPersistent, shouldLockout, nil)
}

// PasswordSignInRemembered is PasswordSignIn with a remembered-browser ticket
// from a prior two-factor verification. A live ticket belonging to the
// resolved user skips the verification step; anything else is ignored.
func (s *SignInManager) PasswordSignInRemembered(ctx context.Context, username, password string, isPersistent, shouldLockout bool, remembered *Ticket) (SignInOutcome, error) {
	user, err := s.users.Store().Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return SignInOutcome{}, err
		}
		user = &User{Username: username}
	}

	ok, err := s.users.CheckPassword(ctx, user, password)
	if err != nil {
		return SignInOutcome{}, err
	}
	if !ok {
		if shouldLockout && user.HasIdentity() {
			locked, err := s.users.AccessFailed(ctx, user)
			if err != nil {
				return SignInOutcome{}, err
			}
			if locked {
				return s.terminal(SignInOutcome{Result: SignInLockedOut, User: user}), nil
			}
			return s.terminal(SignInOutcome{Result: SignInFailed, User: user}), nil
		}
		evt := audit.New(ctx, audit.ActionLoginFailed, user.ID, "invalid credentials")
		evt.AffectedUsername = username
		s.sink.Record(ctx, evt)
		return s.terminal(SignInOutcome{Result: SignInFailed, User: user}), nil
	}

	return s.completeSignIn(ctx, user, isPersistent, true, remembered)
}

// ExternalSignIn runs the post-credential half of the state machine for a
// user already validated by an external provider.
func (s *SignInManager) ExternalSignIn(ctx context.Context, user *User, isPersistent bool) (SignInOutcome, error) {
	if !user.HasIdentity() {
		return SignInOutcome{}, fmt.Errorf("%w: external sign-in requires a persisted user", ErrInvalidInput)
	}
	return s.completeSignIn(ctx, user, isPersistent, false, nil)
}

// completeSignIn is the shared success-side path: lockout re-check, start
// node policy gate, counter reset, two-factor branch, ticket issuance.
func (s *SignInManager) completeSignIn(ctx context.Context, user *User, isPersistent, allowTwoFactor bool, remembered *Ticket) (SignInOutcome, error) {
	// Separate cached-safe lockout check after credential success.
	if s.users.IsLockedOut(user) {
		s.auditFailed(ctx, user, "credentials valid but account is locked out or not approved")
		return s.terminal(SignInOutcome{Result: SignInLockedOut, User: user}), nil
	}

	if s.settings().RequireStartNodesOnSignIn {
		content, media, err := s.resolveStartNodes(ctx, user)
		if err != nil {
			return SignInOutcome{}, err
		}
		if len(content) == 0 || len(media) == 0 {
			// Policy gate, not an oversight: a user with no content/media
			// scope cannot usefully sign in. The caller sees a generic
			// failure; the specific reason stays in the logs.
			obs.Warn("sign-in denied: no start nodes resolvable", map[string]any{
				"user_id": user.ID, "content": len(content), "media": len(media),
			})
			s.auditFailed(ctx, user, "no content or media start nodes resolvable")
			return s.terminal(SignInOutcome{Result: SignInFailed, User: user}), nil
		}
		user.ContentStartNodes = content
		user.MediaStartNodes = media
	}

	if err := s.users.ResetAccessFailedCount(ctx, user); err != nil {
		return SignInOutcome{}, err
	}

	if allowTwoFactor && user.TwoFactorEnabled && len(s.providers) > 0 && !s.browserRemembered(remembered, user) {
		partial, err := s.issueTwoFactorTicket(user)
		if err != nil {
			return SignInOutcome{}, err
		}
		evt := audit.New(ctx, audit.ActionLoginRequiresVerify, user.ID, "")
		evt.AffectedUsername = user.Username
		s.sink.Record(ctx, evt)
		return s.terminal(SignInOutcome{Result: SignInTwoFactorRequired, User: user, TwoFactor: partial}), nil
	}

	primary, err := s.SignIn(ctx, user, isPersistent)
	if err != nil {
		return SignInOutcome{}, err
	}
	return s.terminal(SignInOutcome{Result: SignInSuccess, User: user, Primary: primary}), nil
}

// SignIn issues the full back-office ticket. The ticket's expiry is never
// inherited from a prior ticket. The last-login timestamp and the zeroed
// failed-attempt counter are persisted in the same store write as issuance.
func (s *SignInManager) SignIn(ctx context.Context, user *User, isPersistent bool) (*IssuedTicket, error) {
	now := s.now().UTC()
	ticket := &Ticket{
		Identity: NewUserIdentity(user),
		Properties: TicketProperties{
			IssuedUTC:    now,
			ExpiresUTC:   now.Add(s.settings().LoginTimeout()),
			IsPersistent: isPersistent,
			AllowRefresh: true,
		},
	}
	value, err := s.protector.Protect(ticket)
	if err != nil {
		return nil, err
	}
	if err := s.users.Store().Users(ctx).RecordLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.AccessFailedCount = 0
	user.LastLoginUTC = &now

	evt := audit.New(ctx, audit.ActionLoginSuccess, user.ID, "")
	evt.AffectedUsername = user.Username
	s.sink.Record(ctx, evt)
	return &IssuedTicket{Value: value, Ticket: ticket}, nil
}

// TwoFactorSignIn completes a pending two-factor flow. The partial identity
// comes from the two-factor cookie; a missing or foreign identity fails the
// attempt outright.
func (s *SignInManager) TwoFactorSignIn(ctx context.Context, partial *Identity, provider, code string, isPersistent, rememberBrowser bool) (SignInOutcome, error) {
	if partial == nil || partial.AuthenticationType != AuthTypeTwoFactor {
		s.auditFailed(ctx, &User{}, "two-factor verification without a pending sign-in")
		return s.terminal(SignInOutcome{Result: SignInFailed}), nil
	}
	uid, ok := partial.UserID()
	if !ok {
		s.auditFailed(ctx, &User{}, "two-factor identity missing user id")
		return s.terminal(SignInOutcome{Result: SignInFailed}), nil
	}
	user, err := s.users.Store().Users(ctx).FindByID(ctx, uid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.auditFailed(ctx, &User{ID: uid}, "two-factor user no longer exists")
			return s.terminal(SignInOutcome{Result: SignInFailed}), nil
		}
		return SignInOutcome{}, err
	}
	if s.users.IsLockedOut(user) {
		s.auditFailed(ctx, user, "two-factor verification while locked out")
		return s.terminal(SignInOutcome{Result: SignInLockedOut, User: user}), nil
	}

	prov, ok := s.providers[provider]
	if !ok {
		s.auditFailed(ctx, user, fmt.Sprintf("unknown two-factor provider %q", provider))
		return s.terminal(SignInOutcome{Result: SignInFailed, User: user}), nil
	}
	valid, err := prov.ValidateCode(ctx, user, code)
	if err != nil {
		return SignInOutcome{}, err
	}
	if !valid {
		locked, err := s.users.AccessFailed(ctx, user)
		if err != nil {
			return SignInOutcome{}, err
		}
		if locked {
			return s.terminal(SignInOutcome{Result: SignInLockedOut, User: user}), nil
		}
		return s.terminal(SignInOutcome{Result: SignInFailed, User: user}), nil
	}

	if err := s.users.ResetAccessFailedCount(ctx, user); err != nil {
		return SignInOutcome{}, err
	}
	primary, err := s.SignIn(ctx, user, isPersistent)
	if err != nil {
		return SignInOutcome{}, err
	}
	outcome := SignInOutcome{Result: SignInSuccess, User: user, Primary: primary}
	if rememberBrowser {
		remembered, err := s.issueRememberBrowserTicket(user)
		if err != nil {
			return SignInOutcome{}, err
		}
		outcome.RememberBrowser = remembered
	}
	return s.terminal(outcome), nil
}

// browserRemembered reports whether a remember-browser ticket is live and
// belongs to this user. A remembered browser stands in for the second factor,
// so anything short of an exact, unexpired match counts for nothing.
func (s *SignInManager) browserRemembered(t *Ticket, user *User) bool {
	if t == nil || t.Identity == nil || t.Identity.AuthenticationType != AuthTypeTwoFactorRemembered {
		return false
	}
	if t.ExpiredAt(s.now().UTC()) {
		return false
	}
	uid, ok := t.Identity.UserID()
	return ok && uid == user.ID
}

// EnabledProviders lists the registered two-factor provider names.
func (s *SignInManager) EnabledProviders() []string {
	out := make([]string, 0, len(s.providers))
	for name := range s.providers {
		out = append(out, name)
	}
	return out
}

// SignOut records the logout. Cookie removal happens at the HTTP layer.
func (s *SignInManager) SignOut(ctx context.Context, identity *Identity) {
	uid, _ := identity.UserID()
	evt := audit.New(ctx, audit.ActionLogoutSuccess, uid, "")
	evt.AffectedUsername = identity.Username()
	s.sink.Record(ctx, evt)
}

// RenewTicket re-issues a ticket with a fresh issued/expires pair of the same
// configured span, keeping the identity (and its session id) intact. Used by
// the sliding-expiration path.
func (s *SignInManager) RenewTicket(t *Ticket) (*IssuedTicket, error) {
	if t == nil || !t.Properties.AllowRefresh {
		return nil, fmt.Errorf("%w: ticket does not allow refresh", ErrInvalidInput)
	}
	now := s.now().UTC()
	renewed := &Ticket{
		Identity: t.Identity,
		Properties: TicketProperties{
			IssuedUTC:    now,
			ExpiresUTC:   now.Add(s.settings().LoginTimeout()),
			IsPersistent: t.Properties.IsPersistent,
			AllowRefresh: true,
			RedirectURI:  t.Properties.RedirectURI,
			Items:        t.Properties.Items,
		},
	}
	value, err := s.protector.Protect(renewed)
	if err != nil {
		return nil, err
	}
	obs.ObserveTicketRenewal()
	return &IssuedTicket{Value: value, Ticket: renewed}, nil
}

// RevalidateSecurityStamp compares the ticket's embedded stamp against the
// store on a periodic cadence. A match regenerates the identity's claims
// (picking up role/start-node changes since issuance) and silently re-signs
// in; a mismatch or a vanished user rejects the session. This is how a
// password change on one device invalidates tickets everywhere without a
// server-side session table.
func (s *SignInManager) RevalidateSecurityStamp(ctx context.Context, t *Ticket) (RevalidationOutcome, *IssuedTicket, error) {
	if t == nil || t.Identity == nil {
		return RevalidationRejected, nil, nil
	}
	if s.now().UTC().Sub(t.Properties.IssuedUTC) < s.settings().StampValidationInterval() {
		return RevalidationSkipped, nil, nil
	}

	uid, ok := t.Identity.UserID()
	if !ok {
		s.auditRevoked(ctx, 0, t.Identity.Username(), "ticket identity missing user id")
		return RevalidationRejected, nil, nil
	}
	user, err := s.users.Store().Users(ctx).FindByID(ctx, uid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.auditRevoked(ctx, uid, t.Identity.Username(), "user no longer exists")
			return RevalidationRejected, nil, nil
		}
		return RevalidationSkipped, nil, err
	}
	stamp, err := s.users.Store().Users(ctx).GetSecurityStamp(ctx, uid)
	if err != nil {
		return RevalidationSkipped, nil, err
	}
	if stamp == "" || stamp != t.Identity.SecurityStamp() {
		s.auditRevoked(ctx, uid, user.Username, "security stamp changed")
		return RevalidationRejected, nil, nil
	}

	user.SecurityStamp = stamp
	fresh := NewUserIdentity(user)
	fresh.MergeClaims(t.Identity)
	renewed := &Ticket{
		Identity: fresh,
		// Zeroed issued/expires so protect-time defaulting recomputes them.
		Properties: TicketProperties{
			IsPersistent: t.Properties.IsPersistent,
			AllowRefresh: t.Properties.AllowRefresh,
			Items:        t.Properties.Items,
		},
	}
	value, err := s.protector.Protect(renewed)
	if err != nil {
		return RevalidationRejected, nil, err
	}
	obs.ObserveTicketRenewal()
	return RevalidationRenewed, &IssuedTicket{Value: value, Ticket: renewed}, nil
}

func (s *SignInManager) issueTwoFactorTicket(user *User) (*IssuedTicket, error) {
	now := s.now().UTC()
	ticket := &Ticket{
		Identity: NewTwoFactorIdentity(user),
		Properties: TicketProperties{
			IssuedUTC:  now,
			ExpiresUTC: now.Add(twoFactorTicketTTL),
		},
	}
	value, err := s.protector.ProtectPartial(ticket)
	if err != nil {
		return nil, err
	}
	return &IssuedTicket{Value: value, Ticket: ticket}, nil
}

func (s *SignInManager) issueRememberBrowserTicket(user *User) (*IssuedTicket, error) {
	now := s.now().UTC()
	ticket := &Ticket{
		Identity: NewRememberedBrowserIdentity(user),
		Properties: TicketProperties{
			IssuedUTC:    now,
			ExpiresUTC:   now.Add(rememberBrowserTTL),
			IsPersistent: true,
		},
	}
	value, err := s.protector.ProtectPartial(ticket)
	if err != nil {
		return nil, err
	}
	return &IssuedTicket{Value: value, Ticket: ticket}, nil
}

func (s *SignInManager) resolveStartNodes(ctx context.Context, user *User) (content, media []int, err error) {
	groups, err := s.users.Store().Groups(ctx).ListByAliases(ctx, user.Groups)
	if err != nil {
		return nil, nil, err
	}
	content, media = ResolveStartNodes(user, groups)
	return content, media, nil
}

// auditRevoked records a forced session termination alongside the rejection
// metric.
func (s *SignInManager) auditRevoked(ctx context.Context, uid int, username, comment string) {
	obs.ObserveStampRejection()
	evt := audit.New(ctx, audit.ActionSessionRevoked, uid, comment)
	evt.AffectedUsername = username
	s.sink.Record(ctx, evt)
}

func (s *SignInManager) auditFailed(ctx context.Context, user *User, comment string) {
	evt := audit.New(ctx, audit.ActionLoginFailed, user.ID, comment)
	evt.AffectedUsername = user.Username
	s.sink.Record(ctx, evt)
}

// terminal records the outcome metric exactly once per attempt.
func (s *SignInManager) terminal(o SignInOutcome) SignInOutcome {
	obs.ObserveLoginAttempt(o.Result.String())
	return o
}
