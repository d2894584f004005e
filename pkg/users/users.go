// Package users implements the concurrent user store and its on-disk text
// format.
//
// Credentials are stored and compared in plain text. This is a documented
// limitation of the protocol (SOCKS5 transmits credentials unencrypted), not
// an oversight.
package users

import (
	"errors"
	"hash/fnv"
	"io"
	"sync"

	"github.com/marmos91/sirocco/pkg/wire"
)

// Role is a user's privilege level.
type Role uint8

const (
	RoleAdmin   Role = 1
	RoleRegular Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleRegular:
		return "regular"
	default:
		return "unknown"
	}
}

// Encode writes the role's single wire byte.
func (r Role) Encode(w io.Writer) error {
	return wire.WriteU8(w, uint8(r))
}

// ReadRole decodes a role byte, rejecting unknown values.
func ReadRole(r io.Reader) (Role, error) {
	b, err := wire.ReadU8(r)
	if err != nil {
		return 0, err
	}
	role := Role(b)
	if role != RoleAdmin && role != RoleRegular {
		return 0, wire.ErrInvalidData
	}
	return role, nil
}

// User is a snapshot entry: a username and its role. Passwords never leave
// the store through snapshots.
type User struct {
	Name string
	Role Role
}

var (
	// ErrNotFound reports that the named user does not exist.
	ErrNotFound = errors.New("users: user not found")

	// ErrOnlyAdmin reports that the operation would leave the store with
	// zero admin users.
	ErrOnlyAdmin = errors.New("users: cannot remove the only admin")
)

const storeShards = 32

type credentials struct {
	password string
	role     Role
}

type shard struct {
	mu sync.RWMutex
	m  map[string]credentials
}

// Store is a concurrent username -> credentials map. Reads take a shared
// per-shard lock; writes take the shard's exclusive lock. Operations that
// can reduce the number of admins additionally serialize on adminMu so the
// only-admin check is atomic with the mutation.
type Store struct {
	shards  [storeShards]shard
	adminMu sync.Mutex
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]credentials)
	}
	return s
}

func (s *Store) shardFor(username string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	return &s.shards[h.Sum32()%storeShards]
}

// Insert adds a new user. It reports false without modifying the store when
// the username is already taken.
func (s *Store) Insert(username, password string, role Role) bool {
	sh := s.shardFor(username)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[username]; ok {
		return false
	}
	sh.m[username] = credentials{password: password, role: role}
	return true
}

// InsertOrUpdate adds or replaces a user, reporting whether an existing
// entry was replaced.
func (s *Store) InsertOrUpdate(username, password string, role Role) bool {
	// Replacing an admin with a regular user can reduce the admin count, so
	// the whole operation holds adminMu.
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	sh := s.shardFor(username)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, replaced := sh.m[username]
	sh.m[username] = credentials{password: password, role: role}
	return replaced
}

// Update changes a user's password and/or role. A nil password or role
// leaves that field untouched. Returns the user's resulting role on
// success, ErrNotFound for an unknown username, and ErrOnlyAdmin when
// demoting the user would leave the store without any admin.
func (s *Store) Update(username string, password *string, role *Role) (Role, error) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	sh := s.shardFor(username)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cred, ok := sh.m[username]
	if !ok {
		return 0, ErrNotFound
	}

	if role != nil && cred.role == RoleAdmin && *role != RoleAdmin {
		if s.adminCountLocked(sh, username) == 0 {
			return 0, ErrOnlyAdmin
		}
	}

	if password != nil {
		cred.password = *password
	}
	if role != nil {
		cred.role = *role
	}
	sh.m[username] = cred
	return cred.role, nil
}

// Delete removes a user, returning the deleted user's role. Deleting the
// last admin fails with ErrOnlyAdmin and leaves the store unchanged.
func (s *Store) Delete(username string) (Role, error) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	sh := s.shardFor(username)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cred, ok := sh.m[username]
	if !ok {
		return 0, ErrNotFound
	}
	if cred.role == RoleAdmin && s.adminCountLocked(sh, username) == 0 {
		return 0, ErrOnlyAdmin
	}
	delete(sh.m, username)
	return cred.role, nil
}

// adminCountLocked counts admins other than exclude. The caller must hold
// adminMu and locked's exclusive lock; the remaining shards are scanned
// under their read locks.
func (s *Store) adminCountLocked(locked *shard, exclude string) int {
	count := 0
	for i := range s.shards {
		sh := &s.shards[i]
		if sh != locked {
			sh.mu.RLock()
		}
		for name, cred := range sh.m {
			if cred.role == RoleAdmin && name != exclude {
				count++
			}
		}
		if sh != locked {
			sh.mu.RUnlock()
		}
	}
	return count
}

// TryLogin validates a username/password pair, returning the user's role
// when the credentials match.
func (s *Store) TryLogin(username, password string) (Role, bool) {
	sh := s.shardFor(username)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cred, ok := sh.m[username]
	if !ok || cred.password != password {
		return 0, false
	}
	return cred.role, true
}

// Snapshot returns all users and their roles. Order is unspecified.
func (s *Store) Snapshot() []User {
	out := make([]User, 0, s.Count())
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for name, cred := range sh.m {
			out = append(out, User{Name: name, Role: cred.role})
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count returns the number of users.
func (s *Store) Count() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// IsEmpty reports whether the store has no users.
func (s *Store) IsEmpty() bool {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		empty := len(sh.m) == 0
		sh.mu.RUnlock()
		if !empty {
			return false
		}
	}
	return true
}
