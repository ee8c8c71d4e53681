package testutils

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
	"github.com/migadu/roster/policy"
)

type memberKey struct {
	listID    int64
	addressID int64
	role      consts.Role
}

type memBan struct {
	listID  *int64
	pattern string
}

// MemStore holds lists, users, addresses, members and bans in memory with
// the uniqueness rules of the Postgres schema. Returned values are copies.
type MemStore struct {
	mu     sync.Mutex
	nextID int64

	users      map[int64]*db.User
	addresses  map[int64]*db.Address
	byEmail    map[string]int64
	lists      map[int64]*db.MailingList
	listByName map[string]int64
	members    map[memberKey]*db.Member
	bans       []memBan

	// InsertMemberErr, when set, fails every InsertMember call.
	InsertMemberErr error

	Now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:      make(map[int64]*db.User),
		addresses:  make(map[int64]*db.Address),
		byEmail:    make(map[string]int64),
		lists:      make(map[int64]*db.MailingList),
		listByName: make(map[string]int64),
		members:    make(map[memberKey]*db.Member),
		Now:        time.Now,
	}
}

func (s *MemStore) id() int64 {
	s.nextID++
	return s.nextID
}

func copyUser(u *db.User) *db.User {
	c := *u
	if u.PreferredAddressID != nil {
		v := *u.PreferredAddressID
		c.PreferredAddressID = &v
	}
	return &c
}

func copyAddress(a *db.Address) *db.Address {
	c := *a
	if a.VerifiedOn != nil {
		v := *a.VerifiedOn
		c.VerifiedOn = &v
	}
	if a.UserID != nil {
		v := *a.UserID
		c.UserID = &v
	}
	return &c
}

// AddList creates a list owned by owner@<domain of name>.
func (s *MemStore) AddList(name string, p policy.Policy) *db.MailingList {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := "owner@example.com"
	if at := strings.LastIndex(name, "@"); at >= 0 {
		owner = "owner@" + name[at+1:]
	}
	l := &db.MailingList{
		ID:           s.id(),
		Name:         name,
		OwnerAddress: owner,
		Policy:       p,
		CreatedAt:    s.Now(),
	}
	s.lists[l.ID] = l
	s.listByName[name] = l.ID
	c := *l
	return &c
}

func (s *MemStore) SetPolicy(listID int64, p policy.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[listID].Policy = p
}

// AddUser creates a user with no addresses.
func (s *MemStore) AddUser(displayName string) *db.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &db.User{ID: s.id(), UUID: uuid.New(), DisplayName: displayName, CreatedAt: s.Now()}
	s.users[u.ID] = u
	return copyUser(u)
}

// AddAddress creates an address, optionally verified and linked to userID.
func (s *MemStore) AddAddress(email string, verified bool, userID *int64) *db.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &db.Address{ID: s.id(), Email: email, UserID: userID, CreatedAt: s.Now()}
	if verified {
		now := s.Now()
		a.VerifiedOn = &now
	}
	s.addresses[a.ID] = a
	s.byEmail[email] = a.ID
	return copyAddress(a)
}

// AddBan bans pattern on listID, or globally when listID is nil.
func (s *MemStore) AddBan(listID *int64, pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans = append(s.bans, memBan{listID: listID, pattern: pattern})
}

// Address looks up an address by email, or returns nil.
func (s *MemStore) Address(email string) *db.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil
	}
	return copyAddress(s.addresses[id])
}

// User looks up a user by id, or returns nil.
func (s *MemStore) User(id int64) *db.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	return copyUser(u)
}

// Members returns the memberships of a list ordered by id.
func (s *MemStore) Members(listID int64) []*db.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Member
	for k, m := range s.members {
		if k.listID == listID {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemStore) GetListByName(ctx context.Context, name string) (*db.MailingList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.listByName[name]
	if !ok {
		return nil, consts.ErrListNotFound
	}
	c := *s.lists[id]
	return &c, nil
}

func (s *MemStore) GetListByID(ctx context.Context, id int64) (*db.MailingList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[id]
	if !ok {
		return nil, consts.ErrListNotFound
	}
	c := *l
	return &c, nil
}

func (s *MemStore) GetUserByUUID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.UUID == id {
			return copyUser(u), nil
		}
	}
	return nil, consts.ErrUserNotFound
}

// ListUserAddresses orders verified addresses first, then by id.
func (s *MemStore) ListUserAddresses(ctx context.Context, userID int64) ([]*db.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Address
	for _, a := range s.addresses {
		if a.UserID != nil && *a.UserID == userID {
			out = append(out, copyAddress(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		vi, vj := out[i].VerifiedOn != nil, out[j].VerifiedOn != nil
		if vi != vj {
			return vi
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) SetPreferredAddress(ctx context.Context, userID, addressID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	a, aok := s.addresses[addressID]
	if !ok || !aok || a.UserID == nil || *a.UserID != userID {
		return consts.ErrAddressNotFound
	}
	u.PreferredAddressID = &addressID
	return nil
}

func (s *MemStore) CreateAddress(ctx context.Context, email, displayName string) (*db.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEmail[email]; ok {
		return copyAddress(s.addresses[id]), nil
	}
	a := &db.Address{ID: s.id(), Email: email, DisplayName: displayName, CreatedAt: s.Now()}
	s.addresses[a.ID] = a
	s.byEmail[email] = a.ID
	return copyAddress(a), nil
}

func (s *MemStore) GetAddressByID(ctx context.Context, id int64) (*db.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[id]
	if !ok {
		return nil, consts.ErrAddressNotFound
	}
	return copyAddress(a), nil
}

func (s *MemStore) SetVerified(ctx context.Context, addressID int64, when time.Time) (*db.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[addressID]
	if !ok {
		return nil, consts.ErrAddressNotFound
	}
	if a.VerifiedOn == nil {
		w := when
		a.VerifiedOn = &w
	}
	return copyAddress(a), nil
}

// LinkUserToAddress returns the address owner, creating and linking a new
// user when the address is bare.
func (s *MemStore) LinkUserToAddress(ctx context.Context, addressID int64, displayName string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[addressID]
	if !ok {
		return nil, consts.ErrAddressNotFound
	}
	if a.UserID != nil {
		return copyUser(s.users[*a.UserID]), nil
	}
	u := &db.User{ID: s.id(), UUID: uuid.New(), DisplayName: displayName, CreatedAt: s.Now()}
	preferred := addressID
	u.PreferredAddressID = &preferred
	s.users[u.ID] = u
	a.UserID = &u.ID
	return copyUser(u), nil
}

func (s *MemStore) IsBanned(ctx context.Context, listID int64, email string) (bool, error) {
	s.mu.Lock()
	var patterns []string
	for _, b := range s.bans {
		if b.listID == nil || *b.listID == listID {
			patterns = append(patterns, b.pattern)
		}
	}
	s.mu.Unlock()
	return db.MatchBan(patterns, email), nil
}

func (s *MemStore) InsertMember(ctx context.Context, listID, addressID int64, role consts.Role, prefs db.DeliveryPreferences) (*db.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertMemberErr != nil {
		return nil, s.InsertMemberErr
	}
	key := memberKey{listID: listID, addressID: addressID, role: role}
	if _, exists := s.members[key]; exists {
		return nil, consts.ErrDBUniqueViolation
	}
	a, ok := s.addresses[addressID]
	if !ok {
		return nil, consts.ErrAddressNotFound
	}
	m := &db.Member{
		ID:        s.id(),
		UUID:      uuid.New(),
		ListID:    listID,
		AddressID: addressID,
		Email:     a.Email,
		Role:      role,
		Delivery:  prefs,
		CreatedAt: s.Now(),
	}
	s.members[key] = m
	c := *m
	return &c, nil
}

func (s *MemStore) GetMember(ctx context.Context, listID, addressID int64, role consts.Role) (*db.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{listID: listID, addressID: addressID, role: role}]
	if !ok {
		return nil, consts.ErrMemberNotFound
	}
	c := *m
	return &c, nil
}
