package backoffice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs the test suite and the
// no-database development mode.
type MemStore struct {
	mu      sync.Mutex
	nextID  int
	nextGrp int
	users   map[int]*User
	groups  map[string]*UserGroup
	links   map[string]int // provider "\x00" providerKey -> user id
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		nextID: 1,
		users:  make(map[int]*User),
		groups: make(map[string]*UserGroup),
		links:  make(map[string]int),
	}
}

// Users implements Store.
func (s *MemStore) Users(context.Context) UserStore { return (*memUserStore)(s) }

// Groups implements Store.
func (s *MemStore) Groups(context.Context) GroupStore { return (*memGroupStore)(s) }

// ExternalLogins implements Store.
func (s *MemStore) ExternalLogins(context.Context) ExternalLoginStore { return (*memLoginStore)(s) }

func cloneUser(u *User) *User {
	out := *u
	out.Groups = append([]string(nil), u.Groups...)
	out.ContentStartNodes = append([]int(nil), u.ContentStartNodes...)
	out.MediaStartNodes = append([]int(nil), u.MediaStartNodes...)
	if u.LockoutEndUTC != nil {
		end := *u.LockoutEndUTC
		out.LockoutEndUTC = &end
	}
	if u.LastLoginUTC != nil {
		at := *u.LastLoginUTC
		out.LastLoginUTC = &at
	}
	if u.LastPasswordChangeUTC != nil {
		at := *u.LastPasswordChangeUTC
		out.LastPasswordChangeUTC = &at
	}
	return &out
}

type memUserStore MemStore

func (s *memUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrAlreadyExists
		}
	}
	if u.ID == 0 {
		u.ID = s.nextID
		s.nextID++
	} else if u.ID >= s.nextID {
		s.nextID = u.ID + 1
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *memUserStore) FindByID(_ context.Context, id int) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *memUserStore) FindByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = normalizedEmail(email)
	for _, u := range s.users {
		if normalizedEmail(u.Email) == email {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) Update(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *memUserStore) mutate(id int, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (s *memUserStore) GetPasswordHash(_ context.Context, id int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return "", ErrNotFound
	}
	return u.PasswordHash, nil
}

func (s *memUserStore) SetPasswordHash(_ context.Context, id int, hash string) error {
	return s.mutate(id, func(u *User) { u.PasswordHash = hash })
}

func (s *memUserStore) GetSecurityStamp(_ context.Context, id int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return "", ErrNotFound
	}
	return u.SecurityStamp, nil
}

func (s *memUserStore) SetSecurityStamp(_ context.Context, id int, stamp string) error {
	return s.mutate(id, func(u *User) { u.SecurityStamp = stamp })
}

func (s *memUserStore) IncrementAccessFailedCount(_ context.Context, id int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, ErrNotFound
	}
	u.AccessFailedCount++
	return u.AccessFailedCount, nil
}

func (s *memUserStore) ResetAccessFailedCount(_ context.Context, id int) error {
	return s.mutate(id, func(u *User) { u.AccessFailedCount = 0 })
}

func (s *memUserStore) SetLockoutEndDate(_ context.Context, id int, end *time.Time) error {
	return s.mutate(id, func(u *User) {
		if end == nil {
			u.LockoutEndUTC = nil
			return
		}
		e := *end
		u.LockoutEndUTC = &e
	})
}

func (s *memUserStore) RecordLogin(_ context.Context, id int, at time.Time) error {
	return s.mutate(id, func(u *User) {
		u.LastLoginUTC = &at
		u.AccessFailedCount = 0
	})
}

type memGroupStore MemStore

func (s *memGroupStore) Create(_ context.Context, g *UserGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.Alias]; ok {
		return ErrAlreadyExists
	}
	if g.ID == 0 {
		s.nextGrp++
		g.ID = s.nextGrp
	}
	cp := *g
	s.groups[g.Alias] = &cp
	return nil
}

func (s *memGroupStore) FindByAlias(_ context.Context, alias string) (*UserGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[alias]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *memGroupStore) ListByAliases(ctx context.Context, aliases []string) ([]*UserGroup, error) {
	var out []*UserGroup
	for _, alias := range aliases {
		g, err := s.FindByAlias(ctx, alias)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *memGroupStore) List(_ context.Context) ([]*UserGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*UserGroup, 0, len(s.groups))
	for _, g := range s.groups {
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

type memLoginStore MemStore

func linkKey(provider, providerKey string) string {
	return provider + "\x00" + providerKey
}

func (s *memLoginStore) Link(_ context.Context, userID int, provider, providerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey(provider, providerKey)] = userID
	return nil
}

func (s *memLoginStore) Unlink(_ context.Context, userID int, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := provider + "\x00"
	for key, uid := range s.links {
		if uid == userID && strings.HasPrefix(key, prefix) {
			delete(s.links, key)
		}
	}
	return nil
}

func (s *memLoginStore) FindUserID(_ context.Context, provider, providerKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.links[linkKey(provider, providerKey)]
	if !ok {
		return 0, ErrNotFound
	}
	return uid, nil
}

func (s *memLoginStore) ListForUser(_ context.Context, userID int) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for key, uid := range s.links {
		if uid != userID {
			continue
		}
		for i := 0; i < len(key); i++ {
			if key[i] == 0 {
				out[key[:i]] = key[i+1:]
				break
			}
		}
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)

// String aids debugging in tests.
func (s *MemStore) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("memstore{users:%d groups:%d links:%d}", len(s.users), len(s.groups), len(s.links))
}
