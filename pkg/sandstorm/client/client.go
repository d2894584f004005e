// Package client implements the management-protocol client: it issues
// pipelined requests over a single TCP stream and demultiplexes the ordered
// responses back to per-request continuations.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/marmos91/sirocco/pkg/event"
	"github.com/marmos91/sirocco/pkg/sandstorm"
	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/users"
	"github.com/marmos91/sirocco/pkg/wire"
)

// EventSink receives server-initiated EventStream frames. Registered with
// SetEventSink; called from the reader goroutine.
type EventSink func(event.Event)

// HandshakeError reports a handshake answered with a non-OK status.
type HandshakeError struct {
	Status sandstorm.HandshakeStatus
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", e.Status)
}

// Client is a pipelined management-protocol client. Request methods write
// to a buffered stream and register a continuation; call Flush (or use the
// synchronous wrappers) to push requests out. A single reader goroutine
// dispatches responses to the per-command FIFO of continuations, so for
// each command type responses complete in request order.
type Client struct {
	conn net.Conn

	mu          sync.Mutex
	bw          *bufio.Writer
	pending     map[sandstorm.CommandType][]func(any)
	remaining   int
	wasShutdown bool
	flushNotify chan struct{}
	eventSink   EventSink

	done chan struct{}
	err  error
}

// Dial connects to addr and performs the handshake with the given admin
// credentials. On a rejected handshake it returns *HandshakeError.
func Dial(ctx context.Context, addr, username, password string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, err := New(conn, username, password)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New performs the handshake on an established connection and starts the
// reader. The client owns conn from here on.
func New(conn net.Conn, username, password string) (*Client, error) {
	hs := sandstorm.Handshake{Username: username, Password: password}
	bw := bufio.NewWriterSize(conn, 1<<13)
	if err := hs.Encode(bw); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	var status [1]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		return nil, err
	}
	if st := sandstorm.HandshakeStatus(status[0]); st != sandstorm.HandshakeOk {
		return nil, &HandshakeError{Status: st}
	}

	c := &Client{
		conn:    conn,
		bw:      bw,
		pending: make(map[sandstorm.CommandType][]func(any)),
		done:    make(chan struct{}),
	}
	go c.readerLoop()
	return c, nil
}

// Close tears the connection down. Pending continuations never fire.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done is closed once the reader has terminated; Err then reports why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reader's terminal error: nil after a graceful shutdown;
// otherwise io.ErrUnexpectedEOF, a connection-reset error, a
// wire.ErrInvalidData protocol violation, or the underlying read error.
// Only valid after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// SetEventSink registers the receiver for EventStream frames.
func (c *Client) SetEventSink(sink EventSink) {
	c.mu.Lock()
	c.eventSink = sink
	c.mu.Unlock()
}

// Flush pushes buffered requests to the server.
func (c *Client) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bw.Flush()
}

// FlushAndWait flushes and then blocks until every outstanding request has
// been answered.
func (c *Client) FlushAndWait(ctx context.Context) error {
	c.mu.Lock()
	if err := c.bw.Flush(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.remaining == 0 {
		c.mu.Unlock()
		return nil
	}
	notify := make(chan struct{})
	c.flushNotify = notify
	c.mu.Unlock()

	select {
	case <-notify:
		return nil
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// register appends a continuation to the command's FIFO and writes the
// request frame.
func (c *Client) register(cmd sandstorm.CommandType, cont func(any), payload func(io.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[cmd] = append(c.pending[cmd], cont)
	c.remaining++
	if cmd == sandstorm.CmdShutdown {
		c.wasShutdown = true
	}

	if err := cmd.Encode(c.bw); err != nil {
		return err
	}
	if payload != nil {
		return payload(c.bw)
	}
	return nil
}

// pop removes and returns the head continuation for cmd.
func (c *Client) pop(cmd sandstorm.CommandType) (func(any), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fifo := c.pending[cmd]
	if len(fifo) == 0 {
		return nil, fmt.Errorf("%w: received unexpected %s response", wire.ErrInvalidData, cmd)
	}
	cont := fifo[0]
	c.pending[cmd] = fifo[1:]
	c.remaining--
	return cont, nil
}

// notifyIfDrained fires the FlushAndWait notifier. Called after the popped
// continuation has run, so waiters observe its effects.
func (c *Client) notifyIfDrained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining == 0 && c.flushNotify != nil {
		close(c.flushNotify)
		c.flushNotify = nil
	}
}

func (c *Client) readerLoop() {
	err := c.readResponses()
	c.mu.Lock()
	c.err = err
	if c.flushNotify != nil {
		close(c.flushNotify)
		c.flushNotify = nil
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) readResponses() error {
	br := bufio.NewReaderSize(c.conn, 1<<13)

	for {
		cmd, err := sandstorm.ReadCommandType(br)
		if err != nil {
			if err == io.EOF {
				return c.eofResult()
			}
			return err
		}

		if cmd == sandstorm.CmdEventStream {
			ev, err := event.Read(br)
			if err != nil {
				return err
			}
			c.mu.Lock()
			sink := c.eventSink
			c.mu.Unlock()
			if sink != nil {
				sink(ev)
			}
			continue
		}

		result, err := readResponsePayload(cmd, br)
		if err != nil {
			return err
		}

		cont, err := c.pop(cmd)
		if err != nil {
			return err
		}
		cont(result)
		c.notifyIfDrained()
	}
}

// eofResult implements the close contract: after a requested shutdown the
// only unanswered requests may be Shutdown ones (the server may close
// before answering them); anything else is a truncated stream. An EOF with
// no shutdown requested is an abrupt close.
func (c *Client) eofResult() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.wasShutdown {
		return fmt.Errorf("%w: the server closed unexpectedly", wire.KindConnectionReset)
	}
	if c.remaining == 0 || c.remaining == len(c.pending[sandstorm.CmdShutdown]) {
		return nil
	}
	return fmt.Errorf("%w: the server closed before answering all requests", io.ErrUnexpectedEOF)
}

// readResponsePayload decodes one response body into its typed value.
func readResponsePayload(cmd sandstorm.CommandType, br *bufio.Reader) (any, error) {
	switch cmd {
	case sandstorm.CmdShutdown:
		return struct{}{}, nil
	case sandstorm.CmdEventStreamConfig:
		return sandstorm.ReadEventStreamConfigResponse(br)
	case sandstorm.CmdListSocks5Sockets, sandstorm.CmdListSandstormSockets:
		return sandstorm.ReadAddrList(br)
	case sandstorm.CmdAddSocks5Socket, sandstorm.CmdAddSandstormSocket:
		return sandstorm.ReadAddSocketResult(br)
	case sandstorm.CmdRemoveSocks5Socket, sandstorm.CmdRemoveSandstormSocket:
		b, err := wire.ReadU8(br)
		return sandstorm.RemoveSocketStatus(b), err
	case sandstorm.CmdListUsers:
		return sandstorm.ReadUserList(br)
	case sandstorm.CmdAddUser:
		b, err := wire.ReadU8(br)
		return sandstorm.AddUserStatus(b), err
	case sandstorm.CmdUpdateUser:
		b, err := wire.ReadU8(br)
		return sandstorm.UpdateUserStatus(b), err
	case sandstorm.CmdDeleteUser:
		b, err := wire.ReadU8(br)
		return sandstorm.DeleteUserStatus(b), err
	case sandstorm.CmdListAuthMethods:
		return sandstorm.ReadAuthMethodList(br)
	case sandstorm.CmdToggleAuthMethod:
		return wire.ReadBool(br)
	case sandstorm.CmdRequestCurrentMetrics:
		var metrics *event.Metrics
		_, err := wire.ReadOption(br, func(r io.Reader) error {
			m, err := event.ReadMetrics(r)
			metrics = &m
			return err
		})
		return metrics, err
	case sandstorm.CmdGetBufferSize:
		return wire.ReadU32(br)
	case sandstorm.CmdSetBufferSize:
		return wire.ReadBool(br)
	case sandstorm.CmdMeow:
		var payload [4]byte
		if _, err := io.ReadFull(br, payload[:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if payload != sandstorm.MeowPayload {
			return nil, fmt.Errorf("%w: bad meow payload", wire.ErrInvalidData)
		}
		return struct{}{}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected response command %s", wire.ErrInvalidData, cmd)
	}
}

// ============================================================================
// Pipelined request methods
// ============================================================================

// ShutdownFn requests a graceful server shutdown.
func (c *Client) ShutdownFn(fn func()) error {
	return c.register(sandstorm.CmdShutdown, func(any) { fn() }, nil)
}

// EventStreamConfigFn enables or disables the event stream.
func (c *Client) EventStreamConfigFn(enable bool, fn func(sandstorm.EventStreamConfigResponse)) error {
	return c.register(sandstorm.CmdEventStreamConfig,
		func(v any) { fn(v.(sandstorm.EventStreamConfigResponse)) },
		func(w io.Writer) error { return wire.WriteBool(w, enable) })
}

// ListSocks5SocketsFn lists the bound SOCKS5 listener addresses.
func (c *Client) ListSocks5SocketsFn(fn func([]netip.AddrPort)) error {
	return c.register(sandstorm.CmdListSocks5Sockets,
		func(v any) { fn(v.([]netip.AddrPort)) }, nil)
}

// AddSocks5SocketFn asks the server to bind a new SOCKS5 listener. The
// continuation receives nil on success, otherwise the bind error kind.
func (c *Client) AddSocks5SocketFn(addr netip.AddrPort, fn func(*wire.ErrKind)) error {
	return c.register(sandstorm.CmdAddSocks5Socket,
		func(v any) { fn(v.(*wire.ErrKind)) },
		func(w io.Writer) error { return wire.WriteAddrPort(w, addr) })
}

// RemoveSocks5SocketFn asks the server to close a SOCKS5 listener.
func (c *Client) RemoveSocks5SocketFn(addr netip.AddrPort, fn func(sandstorm.RemoveSocketStatus)) error {
	return c.register(sandstorm.CmdRemoveSocks5Socket,
		func(v any) { fn(v.(sandstorm.RemoveSocketStatus)) },
		func(w io.Writer) error { return wire.WriteAddrPort(w, addr) })
}

// ListSandstormSocketsFn lists the bound management listener addresses.
func (c *Client) ListSandstormSocketsFn(fn func([]netip.AddrPort)) error {
	return c.register(sandstorm.CmdListSandstormSockets,
		func(v any) { fn(v.([]netip.AddrPort)) }, nil)
}

// AddSandstormSocketFn asks the server to bind a new management listener.
func (c *Client) AddSandstormSocketFn(addr netip.AddrPort, fn func(*wire.ErrKind)) error {
	return c.register(sandstorm.CmdAddSandstormSocket,
		func(v any) { fn(v.(*wire.ErrKind)) },
		func(w io.Writer) error { return wire.WriteAddrPort(w, addr) })
}

// RemoveSandstormSocketFn asks the server to close a management listener.
func (c *Client) RemoveSandstormSocketFn(addr netip.AddrPort, fn func(sandstorm.RemoveSocketStatus)) error {
	return c.register(sandstorm.CmdRemoveSandstormSocket,
		func(v any) { fn(v.(sandstorm.RemoveSocketStatus)) },
		func(w io.Writer) error { return wire.WriteAddrPort(w, addr) })
}

// ListUsersFn lists all users and their roles.
func (c *Client) ListUsersFn(fn func([]users.User)) error {
	return c.register(sandstorm.CmdListUsers,
		func(v any) { fn(v.([]users.User)) }, nil)
}

// AddUserFn creates a user.
func (c *Client) AddUserFn(username, password string, role users.Role, fn func(sandstorm.AddUserStatus)) error {
	req := sandstorm.AddUserRequest{Username: username, Password: password, Role: role}
	return c.register(sandstorm.CmdAddUser,
		func(v any) { fn(v.(sandstorm.AddUserStatus)) },
		req.Encode)
}

// UpdateUserFn updates a user's password and/or role.
func (c *Client) UpdateUserFn(username string, password *string, role *users.Role, fn func(sandstorm.UpdateUserStatus)) error {
	req := sandstorm.UpdateUserRequest{Username: username, Password: password, Role: role}
	return c.register(sandstorm.CmdUpdateUser,
		func(v any) { fn(v.(sandstorm.UpdateUserStatus)) },
		req.Encode)
}

// DeleteUserFn deletes a user.
func (c *Client) DeleteUserFn(username string, fn func(sandstorm.DeleteUserStatus)) error {
	return c.register(sandstorm.CmdDeleteUser,
		func(v any) { fn(v.(sandstorm.DeleteUserStatus)) },
		func(w io.Writer) error { return wire.WriteSmallString(w, username) })
}

// ListAuthMethodsFn lists the auth methods and their enabled state.
func (c *Client) ListAuthMethodsFn(fn func([]sandstorm.AuthMethodState)) error {
	return c.register(sandstorm.CmdListAuthMethods,
		func(v any) { fn(v.([]sandstorm.AuthMethodState)) }, nil)
}

// ToggleAuthMethodFn enables or disables an auth method.
func (c *Client) ToggleAuthMethodFn(method socks5.AuthMethod, enabled bool, fn func(bool)) error {
	return c.register(sandstorm.CmdToggleAuthMethod,
		func(v any) { fn(v.(bool)) },
		func(w io.Writer) error {
			if err := method.Encode(w); err != nil {
				return err
			}
			return wire.WriteBool(w, enabled)
		})
}

// RequestMetricsFn fetches a metrics snapshot. The continuation receives
// nil when the server runs without a metrics aggregator.
func (c *Client) RequestMetricsFn(fn func(*event.Metrics)) error {
	return c.register(sandstorm.CmdRequestCurrentMetrics,
		func(v any) { fn(v.(*event.Metrics)) }, nil)
}

// GetBufferSizeFn fetches the current splice buffer size.
func (c *Client) GetBufferSizeFn(fn func(uint32)) error {
	return c.register(sandstorm.CmdGetBufferSize,
		func(v any) { fn(v.(uint32)) }, nil)
}

// SetBufferSizeFn sets the splice buffer size. The continuation receives
// false when the server rejected the value.
func (c *Client) SetBufferSizeFn(size uint32, fn func(bool)) error {
	return c.register(sandstorm.CmdSetBufferSize,
		func(v any) { fn(v.(bool)) },
		func(w io.Writer) error { return wire.WriteU32(w, size) })
}

// MeowFn sends a liveness probe.
func (c *Client) MeowFn(fn func()) error {
	return c.register(sandstorm.CmdMeow, func(any) { fn() }, nil)
}
