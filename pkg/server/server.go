// Package server implements the listener supervisor: it owns the mutable
// sets of SOCKS5 and management listeners, accepts connections and hands
// them to per-session goroutines, and services the typed messages through
// which management sessions mutate the listener sets or request shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/marmos91/sirocco/internal/logger"
	sandstormproto "github.com/marmos91/sirocco/internal/protocol/sandstorm"
	socks5proto "github.com/marmos91/sirocco/internal/protocol/socks5"
	"github.com/marmos91/sirocco/pkg/event"
	"github.com/marmos91/sirocco/pkg/metrics"
	"github.com/marmos91/sirocco/pkg/sandstorm"
	"github.com/marmos91/sirocco/pkg/state"
	"github.com/marmos91/sirocco/pkg/users"
	"github.com/marmos91/sirocco/pkg/wire"
)

// DefaultBufferSize is the splice buffer size used when none is configured.
const DefaultBufferSize = 8192

// DefaultUsersFile is where users are loaded from and saved to when no
// path is configured.
const DefaultUsersFile = "users.txt"

// InlineUser is a user supplied on the command line.
type InlineUser struct {
	Name     string
	Password string
	Role     users.Role
}

// Options configures a server run.
type Options struct {
	// Socks5Addrs are the SOCKS5 listen addresses to bind at startup.
	Socks5Addrs []netip.AddrPort

	// SandstormAddrs are the management listen addresses to bind at startup.
	SandstormAddrs []netip.AddrPort

	// UsersFile is the users file path, loaded at startup and saved on
	// graceful shutdown.
	UsersFile string

	// Users are inline users that override file-loaded entries.
	Users []InlineUser

	// NoAuthEnabled and UserpassEnabled are the initial auth-method flags.
	NoAuthEnabled   bool
	UserpassEnabled bool

	// BufferSize is the initial per-direction splice buffer size.
	BufferSize uint32

	// LogEvents renders every event through the process logger.
	LogEvents bool

	// EventLogPath appends every event in the binary wire format to this
	// file. Empty disables the binary log.
	EventLogPath string

	// MetricsAddr serves prometheus metrics and health over HTTP when
	// non-empty.
	MetricsAddr string
}

type listenerKind int

const (
	kindSocks5 listenerKind = iota
	kindSandstorm
)

// Server is the supervisor.
type Server struct {
	opts Options

	events   *event.Broadcaster
	messages chan state.Message
	st       *state.State

	clientIDs  atomic.Uint64
	managerIDs atomic.Uint64

	mu                 sync.Mutex
	socks5Listeners    map[netip.AddrPort]net.Listener
	sandstormListeners map[netip.AddrPort]net.Listener

	sinks    sync.WaitGroup
	sessions sync.WaitGroup
	saving   atomic.Bool
}

// New creates a server from options, applying defaults.
func New(opts Options) *Server {
	if opts.UsersFile == "" {
		opts.UsersFile = DefaultUsersFile
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Server{
		opts:               opts,
		events:             event.NewBroadcaster(event.DefaultBacklog),
		messages:           make(chan state.Message, 8),
		socks5Listeners:    make(map[netip.AddrPort]net.Listener),
		sandstormListeners: make(map[netip.AddrPort]net.Listener),
	}
}

// Run starts the server and blocks until ctx is cancelled or a management
// session requests shutdown. It returns an error only when startup fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startSinks(ctx)

	aggregator := event.NewAggregator(s.events)
	go aggregator.Run(ctx)

	store := s.loadUsers()

	s.st = state.New(
		store,
		s.opts.NoAuthEnabled,
		s.opts.UserpassEnabled,
		s.opts.BufferSize,
		s.messages,
		aggregator.Requester(),
		s.events,
	)

	boundSocks5 := 0
	for _, addr := range s.opts.Socks5Addrs {
		if s.bind(ctx, kindSocks5, addr) == nil {
			boundSocks5++
		}
	}
	if boundSocks5 == 0 {
		s.events.Send(event.FailedBindAnySocketAborting{})
		s.shutdownSinks()
		return errors.New("failed to bind any socks5 socket")
	}

	for _, addr := range s.opts.SandstormAddrs {
		_ = s.bind(ctx, kindSandstorm, addr)
	}

	go s.watchUsersFile(ctx)

	s.mainLoop(ctx)

	s.closeAllListeners()
	s.saveUsers(store)
	s.shutdownSinks()

	// The supervisor is gone; keep draining so in-flight management
	// sessions observe their replies as cancelled instead of blocking.
	go s.drainMessages()

	return nil
}

func (s *Server) startSinks(ctx context.Context) {
	if s.opts.LogEvents {
		sub := s.events.Subscribe()
		s.sinks.Add(1)
		go func() {
			defer s.sinks.Done()
			event.RunLogSink(ctx, sub)
		}()
	}

	if s.opts.EventLogPath != "" {
		f, err := openEventLog(s.opts.EventLogPath)
		if err != nil {
			logger.Error("Failed to open event log file", logger.Err(err))
		} else {
			sub := s.events.Subscribe()
			s.sinks.Add(1)
			go func() {
				defer s.sinks.Done()
				defer f.Close()
				if err := event.RunBinarySink(ctx, sub, f); err != nil {
					logger.Error("Event log sink failed", logger.Err(err))
				}
			}()
		}
	}

	if s.opts.MetricsAddr != "" {
		sub := s.events.Subscribe()
		go func() {
			if err := metrics.Serve(ctx, s.opts.MetricsAddr, sub); err != nil {
				logger.Error("Metrics endpoint failed", logger.Err(err))
			}
		}()
	}
}

func (s *Server) shutdownSinks() {
	s.events.Close()
	s.sinks.Wait()
}

// loadUsers builds the startup user store: file contents, overridden by
// inline users, falling back to a single default admin.
func (s *Server) loadUsers() *users.Store {
	s.events.Send(event.LoadingUsersFromFile{Path: s.opts.UsersFile})

	store, lerr := users.LoadFile(s.opts.UsersFile)
	if lerr != nil {
		s.events.Send(event.UsersLoadedFromFile{Path: s.opts.UsersFile, Err: lerr})
		store = users.NewStore()
	} else {
		s.events.Send(event.UsersLoadedFromFile{Path: s.opts.UsersFile, Count: uint64(store.Count())})
	}

	if store.IsEmpty() {
		store.Insert("admin", "admin", users.RoleAdmin)
		s.events.Send(event.StartingUpWithSingleDefaultUser{UserPass: "admin:admin"})
	}

	for _, u := range s.opts.Users {
		if store.InsertOrUpdate(u.Name, u.Password, u.Role) {
			s.events.Send(event.UserReplacedByArgs{Name: u.Name, Role: u.Role})
		} else {
			s.events.Send(event.UserRegistered{Name: u.Name, Role: u.Role})
		}
	}

	return store
}

func (s *Server) saveUsers(store *users.Store) {
	s.events.Send(event.SavingUsersToFile{Path: s.opts.UsersFile})

	s.saving.Store(true)
	count, err := store.SaveFile(s.opts.UsersFile)
	s.saving.Store(false)

	saved := event.UsersSavedToFile{Path: s.opts.UsersFile, Count: count}
	if err != nil {
		kind := wire.KindOf(err)
		saved.Err = &kind
	}
	s.events.Send(saved)
}

// bind opens a listener, registers it under its post-bind address, emits
// the matching event and starts the accept goroutine.
func (s *Server) bind(ctx context.Context, kind listenerKind, addr netip.AddrPort) *wire.ErrKind {
	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		ek := wire.KindOf(err)
		if kind == kindSocks5 {
			s.events.Send(event.FailedBindSocks5Socket{Addr: addr, Err: ek})
		} else {
			s.events.Send(event.FailedBindSandstormSocket{Addr: addr, Err: ek})
		}
		return &ek
	}

	bound := ln.Addr().(*net.TCPAddr).AddrPort()

	s.mu.Lock()
	set := s.listenerSet(kind)
	if _, exists := set[bound]; exists {
		s.mu.Unlock()
		ln.Close()
		ek := wire.KindAddrInUse
		return &ek
	}
	set[bound] = ln
	s.mu.Unlock()

	if kind == kindSocks5 {
		s.events.Send(event.NewSocks5Socket{Addr: bound})
	} else {
		s.events.Send(event.NewSandstormSocket{Addr: bound})
	}

	go s.acceptLoop(ctx, kind, bound, ln)
	return nil
}

func (s *Server) listenerSet(kind listenerKind) map[netip.AddrPort]net.Listener {
	if kind == kindSocks5 {
		return s.socks5Listeners
	}
	return s.sandstormListeners
}

// acceptLoop accepts on one listener until it is closed, dispatching each
// connection to an independent session goroutine.
func (s *Server) acceptLoop(ctx context.Context, kind listenerKind, bound netip.AddrPort, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			ek := wire.KindOf(err)
			if kind == kindSocks5 {
				s.events.Send(event.ClientConnectionAcceptFailed{Addr: &bound, Err: ek})
			} else {
				s.events.Send(event.SandstormConnectionAcceptFailed{Addr: &bound, Err: ek})
			}
			continue
		}

		remote := remoteAddrPort(conn)
		if kind == kindSocks5 {
			id := s.clientIDs.Add(1)
			s.events.Send(event.NewClientConnectionAccepted{ID: id, Addr: remote})
			s.sessions.Add(1)
			go func() {
				defer s.sessions.Done()
				// Sessions are not cancelled by shutdown; their I/O ends
				// when peers close.
				socks5proto.Handle(context.Background(), conn, id, s.st)
			}()
		} else {
			id := s.managerIDs.Add(1)
			s.events.Send(event.NewSandstormConnectionAccepted{ID: id, Addr: remote})
			s.sessions.Add(1)
			go func() {
				defer s.sessions.Done()
				sandstormproto.Handle(context.Background(), conn, id, s.st)
			}()
		}
	}
}

// mainLoop services supervisor messages until shutdown is requested.
func (s *Server) mainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.events.Send(event.ShutdownSignalReceived{})
			return

		case msg := <-s.messages:
			if shutdown := s.handleMessage(ctx, msg); shutdown {
				return
			}
		}
	}
}

// handleMessage services one supervisor message, reporting whether it was
// a shutdown request.
func (s *Server) handleMessage(ctx context.Context, msg state.Message) bool {
	switch m := msg.(type) {
	case state.ShutdownRequest:
		close(m.Reply)
		return true

	case state.ListSocks5Sockets:
		m.Reply <- s.listAddrs(kindSocks5)
	case state.ListSandstormSockets:
		m.Reply <- s.listAddrs(kindSandstorm)

	case state.AddSocks5Socket:
		m.Reply <- s.bind(ctx, kindSocks5, m.Addr)
	case state.AddSandstormSocket:
		m.Reply <- s.bind(ctx, kindSandstorm, m.Addr)

	case state.RemoveSocks5Socket:
		m.Reply <- s.remove(kindSocks5, m.Addr)
	case state.RemoveSandstormSocket:
		m.Reply <- s.remove(kindSandstorm, m.Addr)
	}
	return false
}

func (s *Server) listAddrs(kind listenerKind) []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.listenerSet(kind)
	addrs := make([]netip.AddrPort, 0, len(set))
	for addr := range set {
		addrs = append(addrs, addr)
	}
	return addrs
}

// remove closes and unregisters a listener. In-flight sessions accepted
// from it keep running.
func (s *Server) remove(kind listenerKind, addr netip.AddrPort) sandstorm.RemoveSocketStatus {
	s.mu.Lock()
	set := s.listenerSet(kind)
	ln, ok := set[addr]
	if ok {
		delete(set, addr)
	}
	s.mu.Unlock()

	if !ok {
		return sandstorm.RemoveSocketNotFound
	}

	ln.Close()
	if kind == kindSocks5 {
		s.events.Send(event.RemovedSocks5Socket{Addr: addr})
	} else {
		s.events.Send(event.RemovedSandstormSocket{Addr: addr})
	}
	return sandstorm.RemoveSocketOk
}

func (s *Server) closeAllListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.socks5Listeners {
		ln.Close()
	}
	for _, ln := range s.sandstormListeners {
		ln.Close()
	}
}

// drainMessages answers every late supervisor message as cancelled by
// closing its reply channel.
func (s *Server) drainMessages() {
	for msg := range s.messages {
		switch m := msg.(type) {
		case state.ShutdownRequest:
			close(m.Reply)
		case state.ListSocks5Sockets:
			close(m.Reply)
		case state.ListSandstormSockets:
			close(m.Reply)
		case state.AddSocks5Socket:
			close(m.Reply)
		case state.AddSandstormSocket:
			close(m.Reply)
		case state.RemoveSocks5Socket:
			close(m.Reply)
		case state.RemoveSandstormSocket:
			close(m.Reply)
		}
	}
}

func remoteAddrPort(conn net.Conn) netip.AddrPort {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	return netip.AddrPort{}
}

// ParseListenAddr parses a listen address, defaulting the port when only a
// host was given.
func ParseListenAddr(s string, defaultPort uint16) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(addr, defaultPort), nil
	}
	// Host:port forms with a hostname are resolved by net.Listen later;
	// only literal addresses are supported here.
	return netip.AddrPort{}, fmt.Errorf("invalid listen address %q", s)
}
