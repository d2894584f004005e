package socks5

import (
	"context"
	"io"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sirocco/pkg/event"
	"github.com/marmos91/sirocco/pkg/state"
	"github.com/marmos91/sirocco/pkg/users"
)

type testEnv struct {
	st     *state.State
	events *event.Subscription
}

func newTestEnv(t *testing.T, store *users.Store, noAuth, userpass bool) *testEnv {
	t.Helper()
	if store == nil {
		store = users.NewStore()
		store.Insert("admin", "admin", users.RoleAdmin)
	}
	b := event.NewBroadcaster(event.DefaultBacklog)
	t.Cleanup(b.Close)
	msgs := make(chan state.Message, 8)
	st := state.New(store, noAuth, userpass, 4096, msgs, nil, b)
	return &testEnv{st: st, events: b.Subscribe()}
}

// drainEvents collects everything currently in the broadcast backlog.
func (e *testEnv) drainEvents() []event.Kind {
	var kinds []event.Kind
	for {
		ev, err, ok := e.events.TryRecv()
		if !ok || err != nil {
			return kinds
		}
		kinds = append(kinds, ev.Kind)
	}
}

func findKind[T event.Kind](kinds []event.Kind) (T, bool) {
	for _, k := range kinds {
		if match, ok := k.(T); ok {
			return match, true
		}
	}
	var zero T
	return zero, false
}

// scriptedDialer returns the queued results in order.
type scriptedDialer struct {
	results []func() (net.Conn, error)
	calls   []netip.AddrPort
}

func (d *scriptedDialer) dial(_ context.Context, addr netip.AddrPort) (net.Conn, error) {
	d.calls = append(d.calls, addr)
	if len(d.results) == 0 {
		return nil, syscall.ECONNREFUSED
	}
	next := d.results[0]
	d.results = d.results[1:]
	return next()
}

func noResolver(_ context.Context, host string) ([]netip.Addr, error) {
	return nil, syscall.ECONNREFUSED
}

// startSession runs a session over a pipe, returning the client end and a
// channel closed when the session finishes.
func startSession(t *testing.T, env *testEnv, dial Dialer, lookup Resolver) (net.Conn, chan struct{}) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		HandleWith(context.Background(), serverEnd, 1, env.st, dial, lookup)
	}()
	t.Cleanup(func() { clientEnd.Close() })
	return clientEnd, done
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func writeAll(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(time.Second)))
	_, err := conn.Write(data)
	require.NoError(t, err)
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestNoAuthConnectAndSplice(t *testing.T) {
	env := newTestEnv(t, nil, true, false)

	destNear, destFar := net.Pipe()
	defer destFar.Close()
	dialer := &scriptedDialer{results: []func() (net.Conn, error){
		func() (net.Conn, error) { return destNear, nil },
	}}

	client, done := startSession(t, env, dialer.dial, noResolver)

	// Greeting: version 5, one method, no-auth.
	writeAll(t, client, []byte{0x05, 0x01, 0x00})
	assert.Equal(t, []byte{0x05, 0x00}, readN(t, client, 2))

	// CONNECT 127.0.0.1:80.
	writeAll(t, client, []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})

	// Pipes carry no TCP local address, so the reply binds to IPv4 zeros.
	reply := readN(t, client, 10)
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, reply)

	require.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:80")}, dialer.calls)

	// Client -> destination.
	writeAll(t, client, []byte("hello"))
	assert.Equal(t, []byte("hello"), readN(t, destFar, 5))

	// Destination -> client.
	writeAll(t, destFar, []byte("world!!"))
	assert.Equal(t, []byte("world!!"), readN(t, client, 7))

	client.Close()
	destFar.Close()
	waitDone(t, done)

	kinds := env.drainEvents()

	request, ok := findKind[event.ClientSocksRequest](kinds)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:80", request.Request.String())

	selected, ok := findKind[event.ClientSelectedAuthMethod](kinds)
	require.True(t, ok)
	assert.Equal(t, uint8(0x00), uint8(selected.Method))

	sent, ok := findKind[event.ClientBytesSent](kinds)
	require.True(t, ok)
	assert.Equal(t, uint64(5), sent.Count)

	finished, ok := findKind[event.ClientConnectionFinished](kinds)
	require.True(t, ok)
	assert.Equal(t, uint64(5), finished.Sent)
	assert.Equal(t, uint64(7), finished.Received)
	assert.Nil(t, finished.Err)
}

func TestUserpassSuccess(t *testing.T) {
	store := users.NewStore()
	store.Insert("alice", "secret", users.RoleRegular)
	store.Insert("admin", "admin", users.RoleAdmin)
	env := newTestEnv(t, store, true, true)

	destNear, destFar := net.Pipe()
	defer destFar.Close()
	dialer := &scriptedDialer{results: []func() (net.Conn, error){
		func() (net.Conn, error) { return destNear, nil },
	}}

	client, done := startSession(t, env, dialer.dial, noResolver)

	// Userpass is preferred over no-auth when both are offered.
	writeAll(t, client, []byte{0x05, 0x02, 0x00, 0x02})
	assert.Equal(t, []byte{0x05, 0x02}, readN(t, client, 2))

	// RFC 1929 subnegotiation.
	writeAll(t, client, append(append([]byte{0x01, 0x05}, []byte("alice")...), append([]byte{0x06}, []byte("secret")...)...))
	assert.Equal(t, []byte{0x01, 0x00}, readN(t, client, 2))

	writeAll(t, client, []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x1F, 0x90})
	readN(t, client, 10)

	client.Close()
	destFar.Close()
	waitDone(t, done)

	kinds := env.drainEvents()
	auth, ok := findKind[event.ClientAuthenticatedWithUserpass](kinds)
	require.True(t, ok)
	assert.Equal(t, "alice", auth.Username)
	assert.True(t, auth.Success)
}

func TestUserpassWrongPassword(t *testing.T) {
	store := users.NewStore()
	store.Insert("alice", "secret", users.RoleRegular)
	store.Insert("admin", "admin", users.RoleAdmin)
	env := newTestEnv(t, store, false, true)

	client, done := startSession(t, env, (&scriptedDialer{}).dial, noResolver)

	writeAll(t, client, []byte{0x05, 0x01, 0x02})
	readN(t, client, 2)
	writeAll(t, client, append(append([]byte{0x01, 0x05}, []byte("alice")...), append([]byte{0x05}, []byte("wrong")...)...))
	assert.Equal(t, []byte{0x01, 0x01}, readN(t, client, 2))

	waitDone(t, done)

	kinds := env.drainEvents()
	auth, ok := findKind[event.ClientAuthenticatedWithUserpass](kinds)
	require.True(t, ok)
	assert.False(t, auth.Success)

	finished, ok := findKind[event.ClientConnectionFinished](kinds)
	require.True(t, ok)
	assert.Nil(t, finished.Err, "a rejected login is not a session failure")
}

func TestNoAcceptableMethod(t *testing.T) {
	env := newTestEnv(t, nil, false, false)

	client, done := startSession(t, env, (&scriptedDialer{}).dial, noResolver)

	// Only an unsupported method on offer.
	writeAll(t, client, []byte{0x05, 0x01, 0x03})
	assert.Equal(t, []byte{0x05, 0xFF}, readN(t, client, 2))

	waitDone(t, done)

	kinds := env.drainEvents()
	selected, ok := findKind[event.ClientSelectedAuthMethod](kinds)
	require.True(t, ok)
	assert.Equal(t, uint8(0xFF), uint8(selected.Method))
}

func TestUnsupportedVersion(t *testing.T) {
	env := newTestEnv(t, nil, true, false)
	client, done := startSession(t, env, (&scriptedDialer{}).dial, noResolver)

	writeAll(t, client, []byte{0x04, 0x01, 0x00})
	waitDone(t, done)

	kinds := env.drainEvents()
	unsupported, ok := findKind[event.ClientRequestedUnsupportedVersion](kinds)
	require.True(t, ok)
	assert.Equal(t, uint8(0x04), unsupported.Version)
}

func TestUnsupportedCommand(t *testing.T) {
	env := newTestEnv(t, nil, true, false)
	client, done := startSession(t, env, (&scriptedDialer{}).dial, noResolver)

	writeAll(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	// BIND is not supported.
	writeAll(t, client, []byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50})
	reply := readN(t, client, 10)
	assert.Equal(t, byte(0x07), reply[1])

	waitDone(t, done)

	kinds := env.drainEvents()
	unsupported, ok := findKind[event.ClientRequestedUnsupportedCommand](kinds)
	require.True(t, ok)
	assert.Equal(t, uint8(0x02), unsupported.Command)
}

func TestUnsupportedAtyp(t *testing.T) {
	env := newTestEnv(t, nil, true, false)
	client, done := startSession(t, env, (&scriptedDialer{}).dial, noResolver)

	writeAll(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	writeAll(t, client, []byte{0x05, 0x01, 0x00, 0x05})
	reply := readN(t, client, 10)
	assert.Equal(t, byte(0x08), reply[1])

	waitDone(t, done)
}

func TestIPv6ConnectRefused(t *testing.T) {
	env := newTestEnv(t, nil, true, false)

	dialer := &scriptedDialer{results: []func() (net.Conn, error){
		func() (net.Conn, error) { return nil, syscall.ECONNREFUSED },
	}}
	client, done := startSession(t, env, dialer.dial, noResolver)

	writeAll(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	// CONNECT [::1]:80
	req := []byte{0x05, 0x01, 0x00, 0x04}
	loopback := netip.MustParseAddr("::1").As16()
	req = append(req, loopback[:]...)
	req = append(req, 0x00, 0x50)
	writeAll(t, client, req)

	reply := readN(t, client, 10)
	assert.Equal(t, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, reply)

	waitDone(t, done)

	kinds := env.drainEvents()
	_, ok := findKind[event.ClientFailedToConnectToDestination](kinds)
	assert.True(t, ok)
}

func TestDomainResolvesTwoAddrsFirstFails(t *testing.T) {
	env := newTestEnv(t, nil, true, false)

	destNear, destFar := net.Pipe()
	defer destFar.Close()

	dialer := &scriptedDialer{results: []func() (net.Conn, error){
		func() (net.Conn, error) { return nil, syscall.ECONNREFUSED },
		func() (net.Conn, error) { return destNear, nil },
	}}
	resolver := func(_ context.Context, host string) ([]netip.Addr, error) {
		assert.Equal(t, "example.com", host)
		return []netip.Addr{
			netip.MustParseAddr("10.0.0.1"),
			netip.MustParseAddr("10.0.0.2"),
		}, nil
	}

	client, done := startSession(t, env, dialer.dial, resolver)

	writeAll(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	req := []byte{0x05, 0x01, 0x00, 0x03, 11}
	req = append(req, []byte("example.com")...)
	req = append(req, 0x00, 0x50)
	writeAll(t, client, req)

	reply := readN(t, client, 10)
	assert.Equal(t, byte(0x00), reply[1])

	// Resolver order is preserved.
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:80"),
		netip.MustParseAddrPort("10.0.0.2:80"),
	}, dialer.calls)

	client.Close()
	destFar.Close()
	waitDone(t, done)

	kinds := env.drainEvents()

	_, ok := findKind[event.ClientDnsLookup](kinds)
	assert.True(t, ok)

	failed, ok := findKind[event.ClientConnectionAttemptConnectFailed](kinds)
	require.True(t, ok)
	assert.NotZero(t, failed.Err)

	_, ok = findKind[event.ClientConnectedToDestination](kinds)
	assert.True(t, ok)
}

func TestEmptyDomainRejected(t *testing.T) {
	env := newTestEnv(t, nil, true, false)
	client, done := startSession(t, env, (&scriptedDialer{}).dial, noResolver)

	writeAll(t, client, []byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	writeAll(t, client, []byte{0x05, 0x01, 0x00, 0x03, 0x00})
	waitDone(t, done)

	kinds := env.drainEvents()
	finished, ok := findKind[event.ClientConnectionFinished](kinds)
	require.True(t, ok)
	require.NotNil(t, finished.Err)
}
