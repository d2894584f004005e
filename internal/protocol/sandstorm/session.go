// Package sandstorm implements the server side of the management protocol:
// the handshake and the pipelined command loop that drives backend
// operations while preserving the per-stream response ordering contract.
package sandstorm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/marmos91/sirocco/internal/logger"
	"github.com/marmos91/sirocco/pkg/event"
	"github.com/marmos91/sirocco/pkg/sandstorm"
	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/state"
	"github.com/marmos91/sirocco/pkg/users"
	"github.com/marmos91/sirocco/pkg/wire"
)

// pendingStreamDepth bounds how many forwarded requests per stream may be
// awaiting their backend completion. When full, the reader blocks until the
// head completes, which backpressures the client.
const pendingStreamDepth = 4

// writeQueueDepth bounds frames queued for the ordered writer.
const writeQueueDepth = 64

// errSupervisorGone is the session-fatal error for a dropped reply channel.
var errSupervisorGone = errors.New("supervisor dropped the request")

// Session is one management connection.
type Session struct {
	id      uint64
	conn    net.Conn
	st      *state.State
	traceID string

	ctx    context.Context
	cancel context.CancelFunc

	errOnce sync.Once
	err     error

	writeCh chan []byte
	writeWg sync.WaitGroup

	// Pending-completion FIFOs, one per forwarded-request stream.
	socks5Ops    chan func()
	sandstormOps chan func()
	metricsOps   chan func()
	eventCfgOps  chan func()
	shutdownOps  chan func()
	streamWg     sync.WaitGroup

	// Event stream state, touched only from the eventCfgOps stream plus
	// the forwarder it spawns.
	esMu      sync.Mutex
	esEnabled bool
	esCancel  context.CancelFunc
	esWg      sync.WaitGroup
}

// Handle runs a full management session on conn, closing it when done and
// emitting the connection-finished event.
func Handle(ctx context.Context, conn net.Conn, id uint64, st *state.State) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:           id,
		conn:         conn,
		st:           st,
		traceID:      uuid.NewString(),
		ctx:          ctx,
		cancel:       cancel,
		writeCh:      make(chan []byte, writeQueueDepth),
		socks5Ops:    make(chan func(), pendingStreamDepth),
		sandstormOps: make(chan func(), pendingStreamDepth),
		metricsOps:   make(chan func(), pendingStreamDepth),
		eventCfgOps:  make(chan func(), pendingStreamDepth),
		shutdownOps:  make(chan func(), pendingStreamDepth),
	}
	defer cancel()
	defer conn.Close()

	err := s.run()

	finished := event.SandstormConnectionFinished{ID: id}
	if err != nil {
		kind := wire.KindOf(err)
		finished.Err = &kind
		logger.Debug("Management session closed with error",
			logger.ManagerID(id), logger.TraceID(s.traceID), logger.Err(err))
	} else {
		logger.Debug("Management session finished",
			logger.ManagerID(id), logger.TraceID(s.traceID))
	}
	st.Emit(finished)
}

// fail records the first session-fatal error and cancels everything.
func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
		s.cancel()
		s.conn.Close()
	})
}

func (s *Session) run() error {
	br := bufio.NewReader(s.conn)

	if ok, err := s.handshake(br); err != nil || !ok {
		return err
	}

	s.writeWg.Add(1)
	go s.writerLoop()

	for _, stream := range []chan func(){s.socks5Ops, s.sandstormOps, s.metricsOps, s.eventCfgOps, s.shutdownOps} {
		s.streamWg.Add(1)
		go s.streamLoop(stream)
	}

	readErr := s.readLoop(br)

	// A clean client EOF ends the session; everything else is fatal.
	if readErr != nil && readErr != io.EOF {
		s.fail(readErr)
	} else {
		s.cancel()
	}

	close(s.socks5Ops)
	close(s.sandstormOps)
	close(s.metricsOps)
	close(s.eventCfgOps)
	close(s.shutdownOps)
	s.streamWg.Wait()

	s.esMu.Lock()
	if s.esCancel != nil {
		s.esCancel()
	}
	s.esMu.Unlock()
	s.esWg.Wait()

	close(s.writeCh)
	s.writeWg.Wait()

	return s.err
}

// handshake validates the protocol version and the credentials. Only admin
// users may manage the server. Returns ok=false (without error) when the
// handshake was answered negatively and the connection must close.
func (s *Session) handshake(br *bufio.Reader) (bool, error) {
	ver, err := br.ReadByte()
	if err != nil {
		return false, err
	}
	if ver != sandstorm.Version {
		s.st.Emit(event.SandstormRequestedUnsupportedVersion{ID: s.id, Version: ver})
		_, _ = s.conn.Write([]byte{byte(sandstorm.HandshakeUnsupportedVersion)})
		return false, nil
	}

	hs, err := sandstorm.ReadHandshakeCredentials(br)
	if err != nil {
		return false, err
	}

	role, ok := s.st.Users().TryLogin(hs.Username, hs.Password)
	status := sandstorm.HandshakeInvalidCredentials
	switch {
	case ok && role == users.RoleAdmin:
		status = sandstorm.HandshakeOk
	case ok:
		status = sandstorm.HandshakePermissionDenied
	}

	s.st.Emit(event.SandstormAuthenticatedAs{
		ID:       s.id,
		Username: hs.Username,
		Success:  status == sandstorm.HandshakeOk,
	})

	if _, err := s.conn.Write([]byte{byte(status)}); err != nil {
		return false, err
	}
	return status == sandstorm.HandshakeOk, nil
}

// writerLoop serializes all responses onto the socket through one buffered
// writer, flushing whenever no frame is immediately queued.
func (s *Session) writerLoop() {
	defer s.writeWg.Done()
	bw := bufio.NewWriterSize(s.conn, 1<<13)

	for frame := range s.writeCh {
		if _, err := bw.Write(frame); err != nil {
			s.fail(err)
			continue // keep draining so senders don't block forever
		}
		if len(s.writeCh) == 0 {
			if err := bw.Flush(); err != nil {
				s.fail(err)
			}
		}
	}
}

// streamLoop drains one pending-completion FIFO in order.
func (s *Session) streamLoop(ops chan func()) {
	defer s.streamWg.Done()
	for op := range ops {
		op()
	}
}

// enqueue places op on the stream FIFO, blocking (and thus backpressuring
// the reader) when four operations are already pending.
func (s *Session) enqueue(stream chan func(), op func()) {
	select {
	case stream <- op:
	case <-s.ctx.Done():
	}
}

// send queues a response frame for the ordered writer.
func (s *Session) send(frame []byte) {
	select {
	case s.writeCh <- frame:
	case <-s.ctx.Done():
	}
}

// frame serializes a response: command byte plus payload.
func frame(cmd sandstorm.CommandType, payload func(io.Writer) error) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(cmd))
	if payload != nil {
		// Writing to a bytes.Buffer cannot fail.
		_ = payload(&buf)
	}
	return buf.Bytes()
}

// readLoop parses requests until EOF or error. Direct requests are answered
// in arrival order; forwarded requests are dispatched immediately and their
// completions queued per stream.
func (s *Session) readLoop(br *bufio.Reader) error {
	for {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}

		cmd, err := sandstorm.ReadCommandType(br)
		if err != nil {
			return err
		}

		switch cmd {
		case sandstorm.CmdShutdown:
			s.handleShutdown()
		case sandstorm.CmdEventStreamConfig:
			enable, err := wire.ReadBool(br)
			if err != nil {
				return err
			}
			s.handleEventStreamConfig(enable)
		case sandstorm.CmdListSocks5Sockets:
			s.handleListSockets(cmd, s.socks5Ops)
		case sandstorm.CmdAddSocks5Socket:
			addr, err := wire.ReadAddrPort(br)
			if err != nil {
				return err
			}
			s.handleAddSocket(cmd, addr)
		case sandstorm.CmdRemoveSocks5Socket:
			addr, err := wire.ReadAddrPort(br)
			if err != nil {
				return err
			}
			s.handleRemoveSocket(cmd, addr)
		case sandstorm.CmdListSandstormSockets:
			s.handleListSockets(cmd, s.sandstormOps)
		case sandstorm.CmdAddSandstormSocket:
			addr, err := wire.ReadAddrPort(br)
			if err != nil {
				return err
			}
			s.handleAddSocket(cmd, addr)
		case sandstorm.CmdRemoveSandstormSocket:
			addr, err := wire.ReadAddrPort(br)
			if err != nil {
				return err
			}
			s.handleRemoveSocket(cmd, addr)
		case sandstorm.CmdListUsers:
			list := s.st.Users().Snapshot()
			s.send(frame(cmd, func(w io.Writer) error {
				return sandstorm.WriteUserList(w, list)
			}))
		case sandstorm.CmdAddUser:
			req, err := sandstorm.ReadAddUserRequest(br)
			if err != nil {
				return err
			}
			status := s.addUser(req)
			s.send(frame(cmd, func(w io.Writer) error {
				return wire.WriteU8(w, uint8(status))
			}))
		case sandstorm.CmdUpdateUser:
			req, err := sandstorm.ReadUpdateUserRequest(br)
			if err != nil {
				return err
			}
			status := s.updateUser(req)
			s.send(frame(cmd, func(w io.Writer) error {
				return wire.WriteU8(w, uint8(status))
			}))
		case sandstorm.CmdDeleteUser:
			name, err := wire.ReadSmallString(br)
			if err != nil {
				return err
			}
			status := s.deleteUser(name)
			s.send(frame(cmd, func(w io.Writer) error {
				return wire.WriteU8(w, uint8(status))
			}))
		case sandstorm.CmdListAuthMethods:
			methods := s.st.AuthMethods()
			s.send(frame(cmd, func(w io.Writer) error {
				return sandstorm.WriteAuthMethodList(w, methods)
			}))
		case sandstorm.CmdToggleAuthMethod:
			method, err := socks5.ReadAuthMethod(br)
			if err != nil {
				return err
			}
			enabled, err := wire.ReadBool(br)
			if err != nil {
				return err
			}
			ok := s.st.SetAuthMethod(method, enabled)
			if ok {
				s.st.Emit(event.AuthMethodToggledByManager{ManagerID: s.id, Method: method, Enabled: enabled})
			}
			s.send(frame(cmd, func(w io.Writer) error {
				return wire.WriteBool(w, ok)
			}))
		case sandstorm.CmdRequestCurrentMetrics:
			s.handleRequestMetrics()
		case sandstorm.CmdGetBufferSize:
			size := s.st.BufferSize()
			s.send(frame(cmd, func(w io.Writer) error {
				return wire.WriteU32(w, size)
			}))
		case sandstorm.CmdSetBufferSize:
			size, err := wire.ReadU32(br)
			if err != nil {
				return err
			}
			ok := s.st.SetBufferSize(size)
			if ok {
				s.st.Emit(event.BufferSizeChangedByManager{ManagerID: s.id, Size: size})
			}
			s.send(frame(cmd, func(w io.Writer) error {
				return wire.WriteBool(w, ok)
			}))
		case sandstorm.CmdMeow:
			s.send(frame(cmd, func(w io.Writer) error {
				_, err := w.Write(sandstorm.MeowPayload[:])
				return err
			}))
		default:
			return fmt.Errorf("%w: unexpected command 0x%02X in request", wire.ErrInvalidData, uint8(cmd))
		}
	}
}

func (s *Session) handleShutdown() {
	s.st.Emit(event.SandstormRequestedShutdown{ManagerID: s.id})

	msg := state.ShutdownRequest{Reply: make(chan struct{}, 1)}
	if !s.st.SendMessage(s.ctx, msg) {
		s.fail(errSupervisorGone)
		return
	}
	s.enqueue(s.shutdownOps, func() {
		select {
		case <-msg.Reply:
		case <-s.ctx.Done():
			return
		}
		s.send(frame(sandstorm.CmdShutdown, nil))
	})
}

func (s *Session) handleListSockets(cmd sandstorm.CommandType, stream chan func()) {
	var msg state.Message
	var reply chan []netip.AddrPort

	// The two listener sets use the same reply shape.
	if cmd == sandstorm.CmdListSocks5Sockets {
		m := state.ListSocks5Sockets{Reply: make(chan []netip.AddrPort, 1)}
		msg, reply = m, m.Reply
	} else {
		m := state.ListSandstormSockets{Reply: make(chan []netip.AddrPort, 1)}
		msg, reply = m, m.Reply
	}

	if !s.st.SendMessage(s.ctx, msg) {
		s.fail(errSupervisorGone)
		return
	}
	s.enqueue(stream, func() {
		addrs, ok := <-reply
		if !ok {
			s.fail(errSupervisorGone)
			return
		}
		s.send(frame(cmd, func(w io.Writer) error {
			return sandstorm.WriteAddrList(w, addrs)
		}))
	})
}

func (s *Session) handleAddSocket(cmd sandstorm.CommandType, addr netip.AddrPort) {
	var msg state.Message
	var reply chan *wire.ErrKind
	var stream chan func()

	if cmd == sandstorm.CmdAddSocks5Socket {
		s.st.Emit(event.NewSocksSocketRequestedByManager{ManagerID: s.id, Addr: addr})
		m := state.AddSocks5Socket{Addr: addr, Reply: make(chan *wire.ErrKind, 1)}
		msg, reply, stream = m, m.Reply, s.socks5Ops
	} else {
		s.st.Emit(event.NewSandstormSocketRequestedByManager{ManagerID: s.id, Addr: addr})
		m := state.AddSandstormSocket{Addr: addr, Reply: make(chan *wire.ErrKind, 1)}
		msg, reply, stream = m, m.Reply, s.sandstormOps
	}

	if !s.st.SendMessage(s.ctx, msg) {
		s.fail(errSupervisorGone)
		return
	}
	s.enqueue(stream, func() {
		kind, ok := <-reply
		if !ok {
			s.fail(errSupervisorGone)
			return
		}
		s.send(frame(cmd, func(w io.Writer) error {
			return sandstorm.WriteAddSocketResult(w, kind)
		}))
	})
}

func (s *Session) handleRemoveSocket(cmd sandstorm.CommandType, addr netip.AddrPort) {
	var msg state.Message
	var reply chan sandstorm.RemoveSocketStatus
	var stream chan func()

	if cmd == sandstorm.CmdRemoveSocks5Socket {
		s.st.Emit(event.RemoveSocksSocketRequestedByManager{ManagerID: s.id, Addr: addr})
		m := state.RemoveSocks5Socket{Addr: addr, Reply: make(chan sandstorm.RemoveSocketStatus, 1)}
		msg, reply, stream = m, m.Reply, s.socks5Ops
	} else {
		s.st.Emit(event.RemoveSandstormSocketRequestedByManager{ManagerID: s.id, Addr: addr})
		m := state.RemoveSandstormSocket{Addr: addr, Reply: make(chan sandstorm.RemoveSocketStatus, 1)}
		msg, reply, stream = m, m.Reply, s.sandstormOps
	}

	if !s.st.SendMessage(s.ctx, msg) {
		s.fail(errSupervisorGone)
		return
	}
	s.enqueue(stream, func() {
		status, ok := <-reply
		if !ok {
			s.fail(errSupervisorGone)
			return
		}
		s.send(frame(cmd, func(w io.Writer) error {
			return wire.WriteU8(w, uint8(status))
		}))
	})
}

func (s *Session) handleRequestMetrics() {
	requester := s.st.Metrics()
	s.enqueue(s.metricsOps, func() {
		var (
			metrics event.Metrics
			have    bool
		)
		if requester != nil {
			m, err := requester.Metrics(s.ctx)
			if err == nil {
				metrics, have = m, true
			}
		}
		s.send(frame(sandstorm.CmdRequestCurrentMetrics, func(w io.Writer) error {
			return wire.WriteOption(w, have, func(w io.Writer) error {
				return metrics.Encode(w)
			})
		}))
	})
}

func (s *Session) handleEventStreamConfig(enable bool) {
	s.enqueue(s.eventCfgOps, func() {
		s.esMu.Lock()
		defer s.esMu.Unlock()

		switch {
		case enable && s.esEnabled:
			s.send(frame(sandstorm.CmdEventStreamConfig, func(w io.Writer) error {
				return sandstorm.EventStreamConfigResponse{Status: sandstorm.EventStreamWasAlreadyEnabled}.Encode(w)
			}))

		case enable:
			requester := s.st.Metrics()
			if requester == nil {
				s.fail(wire.KindUnsupported)
				return
			}
			metrics, sub, err := requester.MetricsAndSubscribe(s.ctx)
			if err != nil {
				s.fail(err)
				return
			}

			esCtx, esCancel := context.WithCancel(s.ctx)
			s.esEnabled = true
			s.esCancel = esCancel
			s.esWg.Add(1)
			go s.eventForwarder(esCtx, sub)

			s.send(frame(sandstorm.CmdEventStreamConfig, func(w io.Writer) error {
				return sandstorm.EventStreamConfigResponse{
					Status:  sandstorm.EventStreamEnabled,
					Metrics: metrics,
				}.Encode(w)
			}))

		default:
			if s.esEnabled {
				s.esCancel()
				s.esCancel = nil
				s.esEnabled = false
			}
			s.send(frame(sandstorm.CmdEventStreamConfig, func(w io.Writer) error {
				return sandstorm.EventStreamConfigResponse{Status: sandstorm.EventStreamDisabled}.Encode(w)
			}))
		}
	})
}

// eventForwarder relays broadcast events as EventStream frames. Lag means
// the connection cannot keep up, which is fatal for the whole session.
func (s *Session) eventForwarder(ctx context.Context, sub *event.Subscription) {
	defer s.esWg.Done()
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lag *event.LaggedError
			if errors.As(err, &lag) {
				s.fail(fmt.Errorf("connection too slow to stream events, lagged behind %d events: %w", lag.Count, wire.KindTimedOut))
			}
			return
		}
		s.send(frame(sandstorm.CmdEventStream, func(w io.Writer) error {
			return event.Write(w, ev)
		}))
	}
}

func (s *Session) addUser(req sandstorm.AddUserRequest) sandstorm.AddUserStatus {
	for _, c := range req.Username {
		// ASCII graphic means '!' through '~': space and DEL are rejected
		// along with control characters.
		if unicode.IsControl(c) || (c <= unicode.MaxASCII && (c < '!' || c > '~')) {
			return sandstorm.AddUserInvalidValues
		}
	}
	if req.Username == "" || req.Password == "" {
		return sandstorm.AddUserInvalidValues
	}

	if !s.st.Users().Insert(req.Username, req.Password, req.Role) {
		return sandstorm.AddUserAlreadyExists
	}
	s.st.Emit(event.UserRegisteredByManager{ManagerID: s.id, Name: req.Username, Role: req.Role})
	return sandstorm.AddUserOk
}

func (s *Session) updateUser(req sandstorm.UpdateUserRequest) sandstorm.UpdateUserStatus {
	if req.Password == nil && req.Role == nil {
		return sandstorm.UpdateUserNothingWasRequested
	}

	role, err := s.st.Users().Update(req.Username, req.Password, req.Role)
	switch {
	case errors.Is(err, users.ErrNotFound):
		return sandstorm.UpdateUserNotFound
	case errors.Is(err, users.ErrOnlyAdmin):
		return sandstorm.UpdateUserCannotDeleteOnlyAdmin
	}

	s.st.Emit(event.UserUpdatedByManager{
		ManagerID:       s.id,
		Name:            req.Username,
		Role:            role,
		PasswordChanged: req.Password != nil,
	})
	return sandstorm.UpdateUserOk
}

func (s *Session) deleteUser(name string) sandstorm.DeleteUserStatus {
	role, err := s.st.Users().Delete(name)
	switch {
	case errors.Is(err, users.ErrNotFound):
		return sandstorm.DeleteUserNotFound
	case errors.Is(err, users.ErrOnlyAdmin):
		return sandstorm.DeleteUserCannotDeleteOnlyAdmin
	}

	s.st.Emit(event.UserDeletedByManager{ManagerID: s.id, Name: name, Role: role})
	return sandstorm.DeleteUserOk
}
