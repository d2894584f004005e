// Package state holds the process-wide mutable server state shared between
// the supervisor, SOCKS5 sessions and management sessions: the user store,
// the auth-method and buffer-size cells, the event broadcaster, and the
// message channel to the supervisor.
package state

import (
	"context"
	"net/netip"
	"sync/atomic"

	"github.com/marmos91/sirocco/pkg/event"
	"github.com/marmos91/sirocco/pkg/sandstorm"
	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/users"
	"github.com/marmos91/sirocco/pkg/wire"
)

// Message is a typed request to the supervisor for operations it owns:
// listener changes and shutdown. Each carries a single-shot reply channel;
// the supervisor closes the channel without replying when the operation is
// cancelled by shutdown, which requesters treat as an I/O error.
type Message interface {
	isMessage()
}

type (
	// ShutdownRequest initiates graceful shutdown. The reply channel is
	// closed once the request has been accepted.
	ShutdownRequest struct {
		Reply chan struct{}
	}

	// ListSocks5Sockets asks for a snapshot of the bound SOCKS5 addresses.
	ListSocks5Sockets struct {
		Reply chan []netip.AddrPort
	}

	// AddSocks5Socket asks the supervisor to bind a new SOCKS5 listener.
	// A nil reply value means success.
	AddSocks5Socket struct {
		Addr  netip.AddrPort
		Reply chan *wire.ErrKind
	}

	// RemoveSocks5Socket asks the supervisor to close a SOCKS5 listener.
	RemoveSocks5Socket struct {
		Addr  netip.AddrPort
		Reply chan sandstorm.RemoveSocketStatus
	}

	// ListSandstormSockets asks for a snapshot of the bound management
	// addresses.
	ListSandstormSockets struct {
		Reply chan []netip.AddrPort
	}

	// AddSandstormSocket asks the supervisor to bind a new management
	// listener. A nil reply value means success.
	AddSandstormSocket struct {
		Addr  netip.AddrPort
		Reply chan *wire.ErrKind
	}

	// RemoveSandstormSocket asks the supervisor to close a management
	// listener.
	RemoveSandstormSocket struct {
		Addr  netip.AddrPort
		Reply chan sandstorm.RemoveSocketStatus
	}
)

func (ShutdownRequest) isMessage()       {}
func (ListSocks5Sockets) isMessage()     {}
func (AddSocks5Socket) isMessage()       {}
func (RemoveSocks5Socket) isMessage()    {}
func (ListSandstormSockets) isMessage()  {}
func (AddSandstormSocket) isMessage()    {}
func (RemoveSandstormSocket) isMessage() {}

// State bundles the shared server state. Auth-method and buffer-size cells
// are atomic; the user store is internally synchronized. Only management
// sessions mutate anything beyond their own byte counters.
type State struct {
	users      *users.Store
	noAuth     atomic.Bool
	userpass   atomic.Bool
	bufferSize atomic.Uint32
	messages   chan<- Message
	metrics    *event.Requester // nil when no aggregator is running
	events     *event.Broadcaster
}

// New creates the shared state with the given initial configuration.
func New(
	store *users.Store,
	noAuthEnabled, userpassEnabled bool,
	bufferSize uint32,
	messages chan<- Message,
	metrics *event.Requester,
	events *event.Broadcaster,
) *State {
	s := &State{
		users:    store,
		messages: messages,
		metrics:  metrics,
		events:   events,
	}
	s.noAuth.Store(noAuthEnabled)
	s.userpass.Store(userpassEnabled)
	s.bufferSize.Store(bufferSize)
	return s
}

// Users returns the shared user store.
func (s *State) Users() *users.Store {
	return s.users
}

// Events returns the event broadcaster.
func (s *State) Events() *event.Broadcaster {
	return s.events
}

// Emit publishes an event. Non-blocking.
func (s *State) Emit(kind event.Kind) {
	s.events.Send(kind)
}

// NoAuthEnabled reports whether the no-auth method is currently accepted.
func (s *State) NoAuthEnabled() bool {
	return s.noAuth.Load()
}

// UserpassEnabled reports whether username/password auth is accepted.
func (s *State) UserpassEnabled() bool {
	return s.userpass.Load()
}

// SetAuthMethod toggles an auth method, reporting whether the method is
// togglable.
func (s *State) SetAuthMethod(method socks5.AuthMethod, enabled bool) bool {
	switch method {
	case socks5.AuthNoAuth:
		s.noAuth.Store(enabled)
	case socks5.AuthUsernamePassword:
		s.userpass.Store(enabled)
	default:
		return false
	}
	return true
}

// AuthMethods returns the togglable methods and their current state.
func (s *State) AuthMethods() []sandstorm.AuthMethodState {
	return []sandstorm.AuthMethodState{
		{Method: socks5.AuthNoAuth, Enabled: s.noAuth.Load()},
		{Method: socks5.AuthUsernamePassword, Enabled: s.userpass.Load()},
	}
}

// BufferSize returns the current per-direction splice buffer size.
func (s *State) BufferSize() uint32 {
	return s.bufferSize.Load()
}

// SetBufferSize updates the buffer size, rejecting zero.
func (s *State) SetBufferSize(size uint32) bool {
	if size == 0 {
		return false
	}
	s.bufferSize.Store(size)
	return true
}

// Metrics returns the aggregator handle, or nil when metrics are disabled.
func (s *State) Metrics() *event.Requester {
	return s.metrics
}

// SendMessage forwards a message to the supervisor. Returns false when ctx
// is cancelled before the supervisor accepts the message.
func (s *State) SendMessage(ctx context.Context, msg Message) bool {
	select {
	case s.messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
