package users

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotSorted(s *Store) []User {
	snap := s.Snapshot()
	sort.Slice(snap, func(i, j int) bool { return snap[i].Name < snap[j].Name })
	return snap
}

func TestInsert(t *testing.T) {
	s := NewStore()

	assert.True(t, s.Insert("pedro", "pedrito4321", RoleAdmin))
	assert.False(t, s.Insert("pedro", "other", RoleRegular), "duplicate username must be rejected")
	assert.Equal(t, 1, s.Count())

	role, ok := s.TryLogin("pedro", "pedrito4321")
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, role)
}

func TestInsertOrUpdate(t *testing.T) {
	s := NewStore()

	assert.False(t, s.InsertOrUpdate("carlos", "carlitox@33", RoleRegular))
	assert.True(t, s.InsertOrUpdate("carlos", "new", RoleRegular), "second insert replaces")

	_, ok := s.TryLogin("carlos", "carlitox@33")
	assert.False(t, ok)
	_, ok = s.TryLogin("carlos", "new")
	assert.True(t, ok)
}

func TestTryLogin(t *testing.T) {
	s := NewStore()
	s.Insert("alice", "secret", RoleRegular)

	_, ok := s.TryLogin("alice", "wrong")
	assert.False(t, ok)
	_, ok = s.TryLogin("bob", "secret")
	assert.False(t, ok)

	role, ok := s.TryLogin("alice", "secret")
	require.True(t, ok)
	assert.Equal(t, RoleRegular, role)
}

func TestUpdate(t *testing.T) {
	s := NewStore()
	s.Insert("root", "toor", RoleAdmin)
	s.Insert("carlos", "pass", RoleRegular)

	// Password-only update keeps the role.
	newPass := "hunter2"
	role, err := s.Update("carlos", &newPass, nil)
	require.NoError(t, err)
	assert.Equal(t, RoleRegular, role)
	_, ok := s.TryLogin("carlos", "hunter2")
	assert.True(t, ok)

	// Role-only update keeps the password.
	admin := RoleAdmin
	role, err = s.Update("carlos", nil, &admin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)
	_, ok = s.TryLogin("carlos", "hunter2")
	assert.True(t, ok)

	_, err = s.Update("nobody", &newPass, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateOnlyAdminProtection(t *testing.T) {
	s := NewStore()
	s.Insert("root", "toor", RoleAdmin)
	s.Insert("carlos", "pass", RoleRegular)

	regular := RoleRegular
	_, err := s.Update("root", nil, &regular)
	assert.ErrorIs(t, err, ErrOnlyAdmin)

	// The store is unchanged.
	role, ok := s.TryLogin("root", "toor")
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, role)

	// With a second admin the demotion goes through.
	s.Insert("backup", "pass", RoleAdmin)
	role, err = s.Update("root", nil, &regular)
	require.NoError(t, err)
	assert.Equal(t, RoleRegular, role)
}

func TestDeleteOnlyAdminProtection(t *testing.T) {
	s := NewStore()
	s.Insert("root", "toor", RoleAdmin)
	s.Insert("carlos", "pass", RoleRegular)

	_, err := s.Delete("root")
	assert.ErrorIs(t, err, ErrOnlyAdmin)
	assert.Equal(t, 2, s.Count())

	role, err := s.Delete("carlos")
	require.NoError(t, err)
	assert.Equal(t, RoleRegular, role)

	_, err = s.Delete("carlos")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAlwaysOneAdminInvariant(t *testing.T) {
	s := NewStore()
	s.Insert("a", "1", RoleAdmin)
	s.Insert("b", "2", RoleAdmin)
	s.Insert("c", "3", RoleRegular)

	countAdmins := func() int {
		n := 0
		for _, u := range s.Snapshot() {
			if u.Role == RoleAdmin {
				n++
			}
		}
		return n
	}

	regular := RoleRegular
	_, err := s.Update("a", nil, &regular)
	require.NoError(t, err)

	_, err = s.Delete("b")
	assert.ErrorIs(t, err, ErrOnlyAdmin)
	assert.Equal(t, 1, countAdmins())

	_, err = s.Update("b", nil, &regular)
	assert.ErrorIs(t, err, ErrOnlyAdmin)
	assert.Equal(t, 1, countAdmins())
}

func TestSnapshot(t *testing.T) {
	s := NewStore()
	s.Insert("pedro", "pedrito4321", RoleAdmin)
	s.Insert("carlos", "carlitox@33", RoleRegular)
	s.Insert("felipe", "mi_hermano_es_un_boludo", RoleRegular)

	snap := snapshotSorted(s)
	assert.Equal(t, []User{
		{Name: "carlos", Role: RoleRegular},
		{Name: "felipe", Role: RoleRegular},
		{Name: "pedro", Role: RoleAdmin},
	}, snap)
}

func TestCountAndIsEmpty(t *testing.T) {
	s := NewStore()
	assert.True(t, s.IsEmpty())
	assert.Zero(t, s.Count())

	s.Insert("x", "y", RoleAdmin)
	assert.False(t, s.IsEmpty())
	assert.Equal(t, 1, s.Count())
}
