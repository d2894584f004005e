package users

import (
	"bytes"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, input string) (*Store, *LoadError) {
	t.Helper()
	return Load(strings.NewReader(input))
}

func requireLoad(t *testing.T, input string) *Store {
	t.Helper()
	s, lerr := load(t, input)
	require.Nil(t, lerr)
	return s
}

type triple struct {
	name, password string
	role           Role
}

func triples(s *Store) []triple {
	var out []triple
	for _, u := range s.Snapshot() {
		for i := range s.shards {
			sh := &s.shards[i]
			sh.mu.RLock()
			if cred, ok := sh.m[u.Name]; ok {
				out = append(out, triple{u.Name, cred.password, cred.role})
			}
			sh.mu.RUnlock()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func TestLoadNoUsers(t *testing.T) {
	for _, input := range []string{
		"",
		"     ",
		"!hola",
		"        ! pedro 😎😎😎😎                      ",
	} {
		_, lerr := load(t, input)
		require.NotNil(t, lerr, "input %q", input)
		assert.Equal(t, LoadErrNoUsers, lerr.Kind, "input %q", input)
	}
}

func TestLoadInvalidRoleChar(t *testing.T) {
	_, lerr := load(t, "$petre:griffon")
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrInvalidRoleChar, lerr.Kind)
	assert.Equal(t, uint32(1), lerr.Line)
	assert.Equal(t, uint32(1), lerr.Col)
	assert.Equal(t, '$', lerr.Char)

	_, lerr = load(t, "   =")
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrInvalidRoleChar, lerr.Kind)
	assert.Equal(t, uint32(4), lerr.Col)
}

func TestLoadMissingColon(t *testing.T) {
	_, lerr := load(t, "#petre")
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrExpectedColonGotEOF, lerr.Kind)
	assert.Equal(t, uint32(6), lerr.Col)

	_, lerr = load(t, "   @sus")
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrExpectedColonGotEOF, lerr.Kind)
	assert.Equal(t, uint32(7), lerr.Col)
}

func TestLoadEmptyUsername(t *testing.T) {
	_, lerr := load(t, "#:marcos")
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrEmptyUsername, lerr.Kind)
	assert.Equal(t, uint32(2), lerr.Col)

	_, lerr = load(t, "      @:soco:troco")
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrEmptyUsername, lerr.Kind)
	assert.Equal(t, uint32(8), lerr.Col)
}

func TestLoadUsernameTooLong(t *testing.T) {
	s := requireLoad(t, " #"+strings.Repeat("a", 255)+":password")
	_, ok := s.TryLogin(strings.Repeat("a", 255), "password")
	assert.True(t, ok)

	_, lerr := load(t, "   #"+strings.Repeat("a", 256)+":password")
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrUsernameTooLong, lerr.Kind)
	assert.Equal(t, uint32(260), lerr.Col)
}

func TestLoadEmptyPassword(t *testing.T) {
	_, lerr := load(t, "#carmen:")
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrEmptyPassword, lerr.Kind)
	assert.Equal(t, uint32(8), lerr.Col)
}

func TestLoadPasswordTooLong(t *testing.T) {
	s := requireLoad(t, " #username:"+strings.Repeat("b", 255))
	_, ok := s.TryLogin("username", strings.Repeat("b", 255))
	assert.True(t, ok)

	_, lerr := load(t, "   #username:"+strings.Repeat("b", 256))
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrPasswordTooLong, lerr.Kind)
	assert.Equal(t, uint32(269), lerr.Col)
}

func TestLoadLineTooLong(t *testing.T) {
	_, lerr := load(t, "#x:"+strings.Repeat("y", MaxLineBytes))
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrLineTooLong, lerr.Kind)
	assert.Equal(t, uint32(1), lerr.Line)
	assert.Equal(t, uint64(MaxLineBytes), lerr.ByteAt)
}

func TestLoadInvalidUtf8(t *testing.T) {
	_, lerr := Load(bytes.NewReader([]byte{'#', 'a', ':', 0xFF, 0xFE, '\n'}))
	require.NotNil(t, lerr)
	assert.Equal(t, LoadErrInvalidUtf8, lerr.Kind)
	assert.Equal(t, uint32(1), lerr.Line)
	assert.Equal(t, uint64(3), lerr.ByteAt)
}

func TestLoadFull(t *testing.T) {
	s := requireLoad(t, strings.Join([]string{
		" ! This is a comment!",
		"",
		" ! Our admin Pedro, everybody loves him",
		" @pedro:pedrito4321",
		"",
		" ! Our first user Carlos and his brother Felipe",
		" #carlos:carlitox@33",
		" #felipe:mi_hermano_es_un_boludo",
		"",
		" ! My friend chi:chí, nobody knows why she put a ':' in her name:",
		" #chi\\:chí:super:secret:password",
		" ! Chi:chí's password is \"super:secret:password\"",
	}, "\n"))

	assert.Equal(t, []triple{
		{"carlos", "carlitox@33", RoleRegular},
		{"chi:chí", "super:secret:password", RoleRegular},
		{"felipe", "mi_hermano_es_un_boludo", RoleRegular},
		{"pedro", "pedrito4321", RoleAdmin},
	}, triples(s))
}

func TestLoadCRLF(t *testing.T) {
	s := requireLoad(t, "@pedro:pedrito4321\r\n#carlos:carlitox@33\r\n")
	assert.Equal(t, 2, s.Count())
	_, ok := s.TryLogin("pedro", "pedrito4321")
	assert.True(t, ok)
}

func TestTrailingWhitespaceInPasswordIsKept(t *testing.T) {
	s := requireLoad(t, "#user:pass   ")
	_, ok := s.TryLogin("user", "pass   ")
	assert.True(t, ok)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore()
	s.Insert("pedro", "pedrito4321", RoleAdmin)
	s.Insert("carlos", "carlitox@33", RoleRegular)
	s.Insert("chi:chí", "super:secret:password", RoleRegular)
	s.Insert("user with spaces", "password with spaces   ", RoleRegular)

	var buf bytes.Buffer
	count, err := s.Save(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), count)

	loaded, lerr := Load(&buf)
	require.Nil(t, lerr)
	assert.Equal(t, triples(s), triples(loaded))
}

func TestSaveEscapesUsernames(t *testing.T) {
	s := NewStore()
	s.Insert("a:b", "pass", RoleAdmin)

	var buf bytes.Buffer
	_, err := s.Save(&buf)
	require.NoError(t, err)
	assert.Equal(t, "@a\\:b:pass", buf.String())
}

func TestParseUserSpec(t *testing.T) {
	name, password, role, err := ParseUserSpec("@admin:secret")
	require.NoError(t, err)
	assert.Equal(t, "admin", name)
	assert.Equal(t, "secret", password)
	assert.Equal(t, RoleAdmin, role)

	name, password, role, err = ParseUserSpec("#carlos:pass")
	require.NoError(t, err)
	assert.Equal(t, "carlos", name)
	assert.Equal(t, "pass", password)
	assert.Equal(t, RoleRegular, role)

	// The role character is optional and defaults to regular.
	name, _, role, err = ParseUserSpec("dani:1234")
	require.NoError(t, err)
	assert.Equal(t, "dani", name)
	assert.Equal(t, RoleRegular, role)

	_, _, _, err = ParseUserSpec("")
	assert.Error(t, err)
	_, _, _, err = ParseUserSpec("@:nopass")
	assert.Error(t, err)
	_, _, _, err = ParseUserSpec("@nouser")
	assert.Error(t, err)
}
