package event

import (
	"bytes"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/users"
	"github.com/marmos91/sirocco/pkg/wire"
)

func addrPtr(s string) *netip.AddrPort {
	ap := netip.MustParseAddrPort(s)
	return &ap
}

func kindPtr(k wire.ErrKind) *wire.ErrKind {
	return &k
}

func TestEventRoundTrip(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:1080")
	addr6 := netip.MustParseAddrPort("[::1]:2222")

	kinds := []Kind{
		NewSocks5Socket{Addr: addr},
		FailedBindSocks5Socket{Addr: addr, Err: wire.KindAddrInUse},
		FailedBindAnySocketAborting{},
		RemovedSocks5Socket{Addr: addr6},
		NewSandstormSocket{Addr: addr6},
		FailedBindSandstormSocket{Addr: addr6, Err: wire.KindPermissionDenied},
		RemovedSandstormSocket{Addr: addr},
		LoadingUsersFromFile{Path: "users.txt"},
		UsersLoadedFromFile{Path: "users.txt", Count: 42},
		UsersLoadedFromFile{Path: "users.txt", Err: &users.LoadError{Kind: users.LoadErrNoUsers}},
		UsersLoadedFromFile{Path: "users.txt", Err: &users.LoadError{
			Kind: users.LoadErrInvalidRoleChar, Line: 3, Col: 7, Char: '$',
		}},
		UsersLoadedFromFile{Path: "u", Err: &users.LoadError{
			Kind: users.LoadErrInvalidUtf8, Line: 1, ByteAt: 99,
		}},
		StartingUpWithSingleDefaultUser{UserPass: "admin:admin"},
		SavingUsersToFile{Path: "users.txt"},
		UsersSavedToFile{Path: "users.txt", Count: 10},
		UsersSavedToFile{Path: "users.txt", Err: kindPtr(wire.KindPermissionDenied)},
		UserRegistered{Name: "pedro", Role: users.RoleAdmin},
		UserReplacedByArgs{Name: "carlos", Role: users.RoleRegular},
		UserUpdated{Name: "pedro", Role: users.RoleAdmin, PasswordChanged: true},
		UserDeleted{Name: "felipe", Role: users.RoleRegular},
		AuthMethodToggled{Method: socks5.AuthNoAuth, Enabled: false},
		BufferSizeChanged{Size: 8192},
		NewClientConnectionAccepted{ID: 1, Addr: addr},
		ClientConnectionAcceptFailed{Err: wire.KindConnectionAborted},
		ClientConnectionAcceptFailed{Addr: addrPtr("10.0.0.1:1080"), Err: wire.KindConnectionReset},
		ClientRequestedUnsupportedVersion{ID: 2, Version: 4},
		ClientRequestedUnsupportedCommand{ID: 3, Command: 2},
		ClientRequestedUnsupportedAtyp{ID: 4, Atyp: 5},
		ClientSelectedAuthMethod{ID: 5, Method: socks5.AuthUsernamePassword},
		ClientSelectedAuthMethod{ID: 5, Method: socks5.AuthNoAcceptableMethod},
		ClientRequestedUnsupportedUserpassVersion{ID: 6, Version: 2},
		ClientAuthenticatedWithUserpass{ID: 7, Username: "alice", Success: true},
		ClientSocksRequest{ID: 8, Request: socks5.Request{
			Destination: socks5.RequestAddress{Addr: netip.MustParseAddr("1.2.3.4")},
			Port:        80,
		}},
		ClientSocksRequest{ID: 8, Request: socks5.Request{
			Destination: socks5.RequestAddress{Domain: "example.com"},
			Port:        443,
		}},
		ClientSocksRequest{ID: 8, Request: socks5.Request{
			Destination: socks5.RequestAddress{Addr: netip.MustParseAddr("::1")},
			Port:        8080,
		}},
		ClientDnsLookup{ID: 9, Domain: "example.com"},
		ClientAttemptingConnect{ID: 10, Addr: addr},
		ClientConnectionAttemptBindFailed{ID: 11, Err: wire.KindAddrNotAvailable},
		ClientConnectionAttemptConnectFailed{ID: 12, Err: wire.KindConnectionRefused},
		ClientFailedToConnectToDestination{ID: 13},
		ClientConnectedToDestination{ID: 14, Addr: addr6},
		ClientBytesSent{ID: 15, Count: 1024},
		ClientBytesReceived{ID: 16, Count: 2048},
		ClientSourceShutdown{ID: 17},
		ClientDestinationShutdown{ID: 18},
		ClientConnectionFinished{ID: 19, Sent: 1, Received: 2},
		ClientConnectionFinished{ID: 20, Sent: 3, Received: 4, Err: kindPtr(wire.KindBrokenPipe)},
		ShutdownSignalReceived{},
		SandstormRequestedShutdown{ManagerID: 21},
		NewSandstormConnectionAccepted{ID: 22, Addr: addr},
		SandstormConnectionAcceptFailed{Addr: addrPtr("[::1]:9"), Err: wire.KindOther},
		SandstormRequestedUnsupportedVersion{ID: 23, Version: 9},
		SandstormAuthenticatedAs{ID: 24, Username: "root", Success: false},
		SandstormConnectionFinished{ID: 25},
		SandstormConnectionFinished{ID: 26, Err: kindPtr(wire.KindConnectionReset)},
		NewSocksSocketRequestedByManager{ManagerID: 27, Addr: addr},
		RemoveSocksSocketRequestedByManager{ManagerID: 28, Addr: addr},
		NewSandstormSocketRequestedByManager{ManagerID: 29, Addr: addr6},
		RemoveSandstormSocketRequestedByManager{ManagerID: 30, Addr: addr6},
		UserRegisteredByManager{ManagerID: 31, Name: "eve", Role: users.RoleRegular},
		UserUpdatedByManager{ManagerID: 32, Name: "eve", Role: users.RoleAdmin, PasswordChanged: false},
		UserDeletedByManager{ManagerID: 33, Name: "eve", Role: users.RoleAdmin},
		AuthMethodToggledByManager{ManagerID: 34, Method: socks5.AuthUsernamePassword, Enabled: true},
		BufferSizeChangedByManager{ManagerID: 35, Size: 1 << 20},
	}

	for _, kind := range kinds {
		ev := Event{Timestamp: 1700000000, Kind: kind}

		var buf bytes.Buffer
		require.NoError(t, Write(&buf, ev), "%T", kind)
		got, err := Read(&buf)
		require.NoError(t, err, "%T", kind)
		assert.Equal(t, ev, got, "%T", kind)
		assert.Zero(t, buf.Len(), "%T left unread bytes", kind)
	}
}

func TestKindStringsAreNonEmpty(t *testing.T) {
	kinds := []Kind{
		NewSocks5Socket{},
		ClientSocksRequest{Request: socks5.Request{Destination: socks5.RequestAddress{Domain: "x"}}},
		ClientConnectionFinished{},
		SandstormAuthenticatedAs{},
		ShutdownSignalReceived{},
	}
	for _, k := range kinds {
		assert.NotEmpty(t, k.String())
	}
}

func TestReadKindRejectsUnknownTag(t *testing.T) {
	_, err := ReadKind(bytes.NewReader([]byte{0xEE}))
	assert.ErrorIs(t, err, wire.ErrInvalidData)

	_, err = ReadKind(bytes.NewReader([]byte{0x00}))
	assert.ErrorIs(t, err, wire.ErrInvalidData)
}

func TestReadTruncatedEvent(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, Write(&full, Event{
		Timestamp: 1700000000,
		Kind:      NewClientConnectionAccepted{ID: 1, Addr: netip.MustParseAddrPort("1.2.3.4:80")},
	}))

	for n := 1; n < full.Len(); n++ {
		_, err := Read(bytes.NewReader(full.Bytes()[:n]))
		require.Error(t, err, "prefix of %d bytes", n)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "prefix of %d bytes", n)
	}
}
