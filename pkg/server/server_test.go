package server

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sirocco/pkg/users"
)

func TestParseListenAddr(t *testing.T) {
	ap, err := ParseListenAddr("127.0.0.1:1080", 1080)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:1080"), ap)

	ap, err = ParseListenAddr("[::]:2222", 2222)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("[::]:2222"), ap)

	// A bare address gets the default port.
	ap, err = ParseListenAddr("::1", 1080)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("[::1]:1080"), ap)

	_, err = ParseListenAddr("localhost:1080", 1080)
	assert.Error(t, err)
	_, err = ParseListenAddr("", 1080)
	assert.Error(t, err)
}

func TestRunBootstrapsAndSavesUsers(t *testing.T) {
	dir := t.TempDir()
	usersFile := filepath.Join(dir, "users.txt")

	srv := New(Options{
		Socks5Addrs:     []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")},
		SandstormAddrs:  []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")},
		UsersFile:       usersFile,
		Users:           []InlineUser{{Name: "carlos", Password: "pass", Role: users.RoleRegular}},
		NoAuthEnabled:   true,
		UserpassEnabled: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Let startup finish, then shut down via signal-equivalent cancel.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	// Missing file bootstraps the default admin, plus the inline user, and
	// both are persisted on shutdown.
	saved, lerr := users.LoadFile(usersFile)
	require.Nil(t, lerr)
	assert.Equal(t, 2, saved.Count())
	role, ok := saved.TryLogin("admin", "admin")
	require.True(t, ok)
	assert.Equal(t, users.RoleAdmin, role)
	_, ok = saved.TryLogin("carlos", "pass")
	assert.True(t, ok)
}

func TestRunFailsWhenNoSocks5SocketBinds(t *testing.T) {
	dir := t.TempDir()

	// TEST-NET-3 addresses are not assigned locally, so binding fails.
	srv := New(Options{
		Socks5Addrs: []netip.AddrPort{netip.MustParseAddrPort("203.0.113.1:1")},
		UsersFile:   filepath.Join(dir, "users.txt"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Run(ctx)
	assert.Error(t, err)

	// Startup aborted before the save path, so no users file appears.
	_, statErr := os.Stat(filepath.Join(dir, "users.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
