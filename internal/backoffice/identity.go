package backoffice

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Authentication types carried by tickets. Partial identities (two-factor
// pending, external pending, remembered browser) use their own types and must
// never be treated as a full back-office session.
const (
	AuthTypeBackoffice          = "AtriumBackOffice"
	AuthTypeTwoFactor           = "AtriumTwoFactorPartial"
	AuthTypeExternal            = "AtriumExternalPartial"
	AuthTypeTwoFactorRemembered = "AtriumTwoFactorRemembered"
)

// Claim types. Roles and start nodes are multi-valued (repeated type).
const (
	ClaimTypeID               = "atrium/id"
	ClaimTypeUsername         = "atrium/username"
	ClaimTypeName             = "atrium/name"
	ClaimTypeSecurityStamp    = "atrium/security-stamp"
	ClaimTypeSessionID        = "atrium/session-id"
	ClaimTypeCulture          = "atrium/culture"
	ClaimTypeRole             = "atrium/role"
	ClaimTypeContentStartNode = "atrium/content-start-node"
	ClaimTypeMediaStartNode   = "atrium/media-start-node"
	ClaimTypeCookiePath       = "atrium/cookie-path"
)

// Claim is a single typed key/value entry of an identity.
type Claim struct {
	Type  string `json:"t"`
	Value string `json:"v"`
}

// transientClaimTypes tags claims that are freshly generated per ticket and
// must never be copied forward from a stale source during a merge. The tag
// set is declarative so the merge rule is testable in isolation.
var transientClaimTypes = map[string]struct{}{
	ClaimTypeSessionID:  {},
	ClaimTypeCookiePath: {},
}

// IsTransientClaim reports whether a claim type is regenerated per ticket.
func IsTransientClaim(claimType string) bool {
	_, ok := transientClaimTypes[claimType]
	return ok
}

// Identity is a claims-bearing identity attached to a request principal or a
// ticket. The zero value is unauthenticated and claimless.
type Identity struct {
	AuthenticationType string
	Authenticated      bool
	claims             []Claim
}

// NewUserIdentity builds a full back-office identity from a user record. The
// session id is a fresh GUID per ticket creation; it is deliberately not the
// security stamp.
func NewUserIdentity(user *User) *Identity {
	id := &Identity{AuthenticationType: AuthTypeBackoffice, Authenticated: true}
	id.AddClaim(ClaimTypeID, strconv.Itoa(user.ID))
	id.AddClaim(ClaimTypeUsername, user.Username)
	if user.Name != "" {
		id.AddClaim(ClaimTypeName, user.Name)
	}
	id.AddClaim(ClaimTypeSecurityStamp, user.SecurityStamp)
	id.AddClaim(ClaimTypeSessionID, uuid.NewString())
	if user.Culture != "" {
		id.AddClaim(ClaimTypeCulture, user.Culture)
	}
	for _, alias := range user.Groups {
		id.AddClaim(ClaimTypeRole, alias)
	}
	for _, node := range user.ContentStartNodes {
		id.AddClaim(ClaimTypeContentStartNode, strconv.Itoa(node))
	}
	for _, node := range user.MediaStartNodes {
		id.AddClaim(ClaimTypeMediaStartNode, strconv.Itoa(node))
	}
	return id
}

// NewTwoFactorIdentity builds the minimal short-lived identity issued after
// password validation succeeds but two-factor verification is still pending.
func NewTwoFactorIdentity(user *User) *Identity {
	id := &Identity{AuthenticationType: AuthTypeTwoFactor, Authenticated: false}
	id.AddClaim(ClaimTypeID, strconv.Itoa(user.ID))
	id.AddClaim(ClaimTypeUsername, user.Username)
	return id
}

// NewRememberedBrowserIdentity builds the independent "two-factor remembered"
// identity. Its lifetime is separate from the primary ticket so clearing one
// does not clear the other.
func NewRememberedBrowserIdentity(user *User) *Identity {
	id := &Identity{AuthenticationType: AuthTypeTwoFactorRemembered, Authenticated: false}
	id.AddClaim(ClaimTypeID, strconv.Itoa(user.ID))
	return id
}

// IdentityFromClaims rehydrates an identity from a raw claim set, validating
// claim shapes. It fails closed: a claim set that does not describe a valid
// identity of the given type yields ErrInvalidIdentity, never a partially
// valid identity.
func IdentityFromClaims(authType string, claims []Claim) (*Identity, error) {
	id := &Identity{AuthenticationType: authType}
	for _, c := range claims {
		if c.Type == "" {
			return nil, fmt.Errorf("%w: empty claim type", ErrInvalidIdentity)
		}
		id.claims = append(id.claims, c)
	}
	uid, ok := id.FirstClaim(ClaimTypeID)
	if !ok {
		return nil, fmt.Errorf("%w: missing id claim", ErrInvalidIdentity)
	}
	if _, err := strconv.Atoi(uid); err != nil {
		return nil, fmt.Errorf("%w: id claim %q is not numeric", ErrInvalidIdentity, uid)
	}

	switch authType {
	case AuthTypeBackoffice:
		if _, ok := id.FirstClaim(ClaimTypeUsername); !ok {
			return nil, fmt.Errorf("%w: missing username claim", ErrInvalidIdentity)
		}
		if _, ok := id.FirstClaim(ClaimTypeSecurityStamp); !ok {
			return nil, fmt.Errorf("%w: missing security-stamp claim", ErrInvalidIdentity)
		}
		if _, ok := id.FirstClaim(ClaimTypeSessionID); !ok {
			return nil, fmt.Errorf("%w: missing session-id claim", ErrInvalidIdentity)
		}
		id.Authenticated = true
	case AuthTypeTwoFactor, AuthTypeExternal:
		if _, ok := id.FirstClaim(ClaimTypeUsername); !ok {
			return nil, fmt.Errorf("%w: missing username claim", ErrInvalidIdentity)
		}
	case AuthTypeTwoFactorRemembered:
		// id claim alone is enough
	default:
		return nil, fmt.Errorf("%w: unknown authentication type %q", ErrInvalidIdentity, authType)
	}
	return id, nil
}

// AddClaim appends a claim unless the exact (type, value) pair already exists.
func (id *Identity) AddClaim(claimType, value string) {
	for _, c := range id.claims {
		if c.Type == claimType && c.Value == value {
			return
		}
	}
	id.claims = append(id.claims, Claim{Type: claimType, Value: value})
}

// Claims returns a copy of the claim set.
func (id *Identity) Claims() []Claim {
	out := make([]Claim, len(id.claims))
	copy(out, id.claims)
	return out
}

// FirstClaim returns the first claim value of the given type.
func (id *Identity) FirstClaim(claimType string) (string, bool) {
	for _, c := range id.claims {
		if c.Type == claimType {
			return c.Value, true
		}
	}
	return "", false
}

// HasClaimType reports whether any claim of the given type is present.
func (id *Identity) HasClaimType(claimType string) bool {
	_, ok := id.FirstClaim(claimType)
	return ok
}

func (id *Identity) allClaims(claimType string) []string {
	var out []string
	for _, c := range id.claims {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	return out
}

func (id *Identity) allIntClaims(claimType string) []int {
	var out []int
	for _, v := range id.allClaims(claimType) {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// UserID returns the numeric user id claim.
func (id *Identity) UserID() (int, bool) {
	raw, ok := id.FirstClaim(ClaimTypeID)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Username returns the username claim.
func (id *Identity) Username() string {
	v, _ := id.FirstClaim(ClaimTypeUsername)
	return v
}

// SecurityStamp returns the embedded security-stamp claim.
func (id *Identity) SecurityStamp() string {
	v, _ := id.FirstClaim(ClaimTypeSecurityStamp)
	return v
}

// SessionID returns the per-ticket session id claim.
func (id *Identity) SessionID() string {
	v, _ := id.FirstClaim(ClaimTypeSessionID)
	return v
}

// Culture returns the culture claim.
func (id *Identity) Culture() string {
	v, _ := id.FirstClaim(ClaimTypeCulture)
	return v
}

// Roles returns the group aliases carried by the identity.
func (id *Identity) Roles() []string { return id.allClaims(ClaimTypeRole) }

// ContentStartNodes returns the content scoping node ids.
func (id *Identity) ContentStartNodes() []int { return id.allIntClaims(ClaimTypeContentStartNode) }

// MediaStartNodes returns the media scoping node ids.
func (id *Identity) MediaStartNodes() []int { return id.allIntClaims(ClaimTypeMediaStartNode) }

// IsBackoffice reports whether this is a full back-office identity.
func (id *Identity) IsBackoffice() bool {
	return id != nil && id.AuthenticationType == AuthTypeBackoffice
}

// MergeClaims copies claims from src that are not already present, skipping
// transient claims (session id, cookie path): those are always freshly
// generated per ticket and must never be carried forward from a stale source.
func (id *Identity) MergeClaims(src *Identity) {
	if src == nil {
		return
	}
	for _, c := range src.claims {
		if IsTransientClaim(c.Type) {
			continue
		}
		id.AddClaim(c.Type, c.Value)
	}
}

// Principal is the set of identities attached to a request. Upstream auth
// modules may append secondary identities (e.g. an OS-level identity) after
// the back-office cookie middleware ran.
type Principal struct {
	Identities []*Identity
}

// BackofficeIdentity returns the back-office identity, if any.
func (p *Principal) BackofficeIdentity() *Identity {
	if p == nil {
		return nil
	}
	for _, id := range p.Identities {
		if id.IsBackoffice() {
			return id
		}
	}
	return nil
}

// Reconcile rewrites the principal to contain only the back-office identity
// when one is present and authenticated. A downstream role provider would
// otherwise silently prefer the secondary identity and lock the user out of
// protected routes.
func (p *Principal) Reconcile() *Principal {
	bo := p.BackofficeIdentity()
	if bo == nil || !bo.Authenticated || len(p.Identities) == 1 {
		return p
	}
	return &Principal{Identities: []*Identity{bo}}
}
