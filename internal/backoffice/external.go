package backoffice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"atriumcms.org/internal/audit"
	"atriumcms.org/internal/obs"
)

// ExternalLoginInfo is the outcome of a successful external (federated)
// authentication: the provider, the provider's stable key for the subject and
// optional profile hints. It is never persisted on its own; auto-link logic
// consumes it to create or update a user.
type ExternalLoginInfo struct {
	Provider    string
	ProviderKey string
	Username    string
	Email       string
}

// CallbackPathProvider exposes the callback path of an external provider.
// Providers implement it explicitly; the callback path is never discovered by
// reflection over third-party options objects.
type CallbackPathProvider interface {
	CallbackPath() string
}

// AutoLinkOptions controls automatic local-account creation for an external
// provider.
type AutoLinkOptions struct {
	AutoLinkExternalAccount bool
	DefaultUserGroups       []string
	DefaultCulture          string
	AllowManualLinking      bool
}

// ExternalProvider describes a configured external login provider. ID tokens
// are verified as JWTs against the provider's key material.
type ExternalProvider struct {
	Name     string
	Callback string
	Issuer   string
	Audience string
	KeyFunc  jwt.Keyfunc
	AutoLink AutoLinkOptions
}

// CallbackPath implements CallbackPathProvider.
func (p ExternalProvider) CallbackPath() string { return p.Callback }

type externalClaims struct {
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	jwt.RegisteredClaims
}

// ExternalLoginManager verifies external auth results and links them to
// back-office users.
type ExternalLoginManager struct {
	users     *UserManager
	sink      audit.Sink
	providers map[string]ExternalProvider
	now       func() time.Time
}

// NewExternalLoginManager constructs the manager.
func NewExternalLoginManager(users *UserManager, sink audit.Sink, providers []ExternalProvider) (*ExternalLoginManager, error) {
	if users == nil {
		return nil, errors.New("backoffice: external login manager requires a user manager")
	}
	if sink == nil {
		return nil, errors.New("backoffice: external login manager requires an audit sink")
	}
	m := &ExternalLoginManager{
		users:     users,
		sink:      sink,
		providers: make(map[string]ExternalProvider, len(providers)),
		now:       time.Now,
	}
	for _, p := range providers {
		if p.Name == "" || p.Callback == "" {
			return nil, fmt.Errorf("backoffice: external provider requires name and callback path")
		}
		m.providers[p.Name] = p
	}
	return m, nil
}

// Provider returns the named provider configuration.
func (m *ExternalLoginManager) Provider(name string) (ExternalProvider, bool) {
	p, ok := m.providers[name]
	return p, ok
}

// ParseIDToken validates a provider's id token and extracts the login info.
// Any validation failure collapses to ErrInvalidExternalToken; the raw JWT
// error never reaches the user.
func (m *ExternalLoginManager) ParseIDToken(provider, raw string) (*ExternalLoginInfo, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || p.KeyFunc == nil {
		return nil, ErrInvalidExternalToken
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if p.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.Issuer))
	}
	if p.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.Audience))
	}
	parsed, err := jwt.ParseWithClaims(raw, &externalClaims{}, p.KeyFunc, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidExternalToken
	}
	claims, ok := parsed.Claims.(*externalClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidExternalToken
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	return &ExternalLoginInfo{
		Provider:    provider,
		ProviderKey: claims.Subject,
		Username:    username,
		Email:       claims.Email,
	}, nil
}

// ResolveUser finds or creates the local user for an external login. Order:
// existing link, then match by email (linked on the fly when the provider
// allows manual linking), then auto-creation when the provider opts in.
func (m *ExternalLoginManager) ResolveUser(ctx context.Context, info *ExternalLoginInfo) (*User, error) {
	p, ok := m.providers[info.Provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	users := m.users.Store().Users(ctx)
	logins := m.users.Store().ExternalLogins(ctx)

	uid, err := logins.FindUserID(ctx, info.Provider, info.ProviderKey)
	if err == nil {
		return users.FindByID(ctx, uid)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if info.Email != "" && p.AutoLink.AllowManualLinking {
		existing, err := users.FindByEmail(ctx, normalizedEmail(info.Email))
		if err == nil {
			if err := logins.Link(ctx, existing.ID, info.Provider, info.ProviderKey); err != nil {
				return nil, err
			}
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if !p.AutoLink.AutoLinkExternalAccount {
		return nil, ErrAutoLinkDisabled
	}
	return m.autoCreate(ctx, p, info)
}

func (m *ExternalLoginManager) autoCreate(ctx context.Context, p ExternalProvider, info *ExternalLoginInfo) (*User, error) {
	username := info.Username
	if username == "" {
		username = info.Email
	}
	if username == "" {
		return nil, fmt.Errorf("%w: provider supplied no username or email", ErrInvalidExternalToken)
	}

	user := &User{
		Username:      username,
		Name:          username,
		Email:         normalizedEmail(info.Email),
		SecurityStamp: m.users.GenerateSecurityStamp(),
		IsApproved:    true,
		Groups:        append([]string(nil), p.AutoLink.DefaultUserGroups...),
		Culture:       p.AutoLink.DefaultCulture,
	}
	users := m.users.Store().Users(ctx)
	if err := users.Create(ctx, user); err != nil {
		return nil, err
	}
	if err := m.users.Store().ExternalLogins(ctx).Link(ctx, user.ID, info.Provider, info.ProviderKey); err != nil {
		return nil, err
	}

	obs.Info("auto-linked external account", map[string]any{
		"user_id": user.ID, "provider": info.Provider,
	})
	return user, nil
}
