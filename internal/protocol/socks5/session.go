// Package socks5 implements the per-client SOCKS5 session state machine:
// greeting, authentication, request parsing, destination connect and the
// bidirectional splice.
package socks5

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/marmos91/sirocco/pkg/bufpool"
	"github.com/marmos91/sirocco/pkg/event"
	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/state"
	"github.com/marmos91/sirocco/pkg/wire"
)

// SOCKS5 reply status bytes (RFC 1928 §6).
const (
	statusSuccess                 = 0x00
	statusGeneralFailure          = 0x01
	statusConnectionNotAllowed    = 0x02
	statusNetworkUnreachable      = 0x03
	statusHostUnreachable         = 0x04
	statusConnectionRefused       = 0x05
	statusCommandNotSupported     = 0x07
	statusAddressTypeNotSupported = 0x08
)

const cmdConnect = 0x01

// Dialer opens an outbound TCP connection. Swapped out by tests.
type Dialer func(ctx context.Context, addr netip.AddrPort) (net.Conn, error)

// Resolver resolves a domain name to addresses in resolver order. Swapped
// out by tests that depend on ordering.
type Resolver func(ctx context.Context, host string) ([]netip.Addr, error)

// Session is one client connection's state machine.
type Session struct {
	id    uint64
	conn  net.Conn
	st    *state.State
	dial  Dialer
	lookup Resolver

	bytesSent     uint64
	bytesReceived uint64
}

// Handle runs a full session on conn with the default dialer and resolver,
// closing the connection when done.
func Handle(ctx context.Context, conn net.Conn, id uint64, st *state.State) {
	HandleWith(ctx, conn, id, st, defaultDialer, defaultResolver)
}

// HandleWith runs a session with injected dial and lookup functions.
func HandleWith(ctx context.Context, conn net.Conn, id uint64, st *state.State, dial Dialer, lookup Resolver) {
	s := &Session{id: id, conn: conn, st: st, dial: dial, lookup: lookup}
	defer conn.Close()

	err := s.run(ctx)

	finished := event.ClientConnectionFinished{
		ID:       s.id,
		Sent:     s.bytesSent,
		Received: s.bytesReceived,
	}
	if err != nil {
		kind := wire.KindOf(err)
		finished.Err = &kind
	}
	st.Emit(finished)
}

func defaultDialer(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr.String())
}

func defaultResolver(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// errRejected marks flows that ended with a protocol-level rejection the
// client was told about; the session itself finished cleanly.
var errRejected = errors.New("request rejected")

func (s *Session) run(ctx context.Context) error {
	br := bufio.NewReader(s.conn)

	if err := s.negotiateMethod(br); err != nil {
		if errors.Is(err, errRejected) {
			return nil
		}
		return err
	}

	addrs, lastErr, err := s.readRequest(ctx, br)
	if err != nil {
		if errors.Is(err, errRejected) {
			return nil
		}
		return err
	}

	dst, connected := s.connectAny(ctx, addrs, lastErr)
	if !connected {
		return nil
	}
	defer dst.Close()

	local := localAddrPort(dst)
	if err := s.sendReply(statusSuccess, local); err != nil {
		return err
	}

	return s.splice(br, dst)
}

// negotiateMethod reads the greeting and performs the selected auth method.
func (s *Session) negotiateMethod(br *bufio.Reader) error {
	ver, err := br.ReadByte()
	if err != nil {
		return err
	}
	if ver != socks5.Version {
		s.st.Emit(event.ClientRequestedUnsupportedVersion{ID: s.id, Version: ver})
		return wire.ErrInvalidData
	}

	nmethods, err := br.ReadByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(br, methods); err != nil {
		return unexpectedEOF(err)
	}

	selected := socks5.AuthNoAcceptableMethod
	if s.st.UserpassEnabled() && hasMethod(methods, byte(socks5.AuthUsernamePassword)) {
		selected = socks5.AuthUsernamePassword
	} else if s.st.NoAuthEnabled() && hasMethod(methods, byte(socks5.AuthNoAuth)) {
		selected = socks5.AuthNoAuth
	}

	if _, err := s.conn.Write([]byte{socks5.Version, byte(selected)}); err != nil {
		return err
	}
	s.st.Emit(event.ClientSelectedAuthMethod{ID: s.id, Method: selected})

	switch selected {
	case socks5.AuthNoAcceptableMethod:
		return errRejected
	case socks5.AuthUsernamePassword:
		return s.userpassSubnegotiation(br)
	default:
		return nil
	}
}

// userpassSubnegotiation runs the RFC 1929 exchange.
func (s *Session) userpassSubnegotiation(br *bufio.Reader) error {
	ver, err := br.ReadByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	if ver != socks5.UserpassVersion {
		s.st.Emit(event.ClientRequestedUnsupportedUserpassVersion{ID: s.id, Version: ver})
		return wire.ErrInvalidData
	}

	username, err := readLengthPrefixed(br)
	if err != nil {
		return err
	}
	password, err := readLengthPrefixed(br)
	if err != nil {
		return err
	}

	_, ok := s.st.Users().TryLogin(username, password)

	status := byte(0x01)
	if ok {
		status = 0x00
	}
	if _, err := s.conn.Write([]byte{socks5.UserpassVersion, status}); err != nil {
		return err
	}
	s.st.Emit(event.ClientAuthenticatedWithUserpass{ID: s.id, Username: username, Success: ok})

	if !ok {
		return errRejected
	}
	return nil
}

// readRequest parses the CONNECT request and resolves the destination to a
// list of candidate addresses. lastErr carries a resolution failure into
// the connect loop's status mapping.
func (s *Session) readRequest(ctx context.Context, br *bufio.Reader) (addrs []netip.AddrPort, lastErr error, err error) {
	var head [4]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return nil, nil, unexpectedEOF(err)
	}

	if head[0] != socks5.Version {
		s.st.Emit(event.ClientRequestedUnsupportedVersion{ID: s.id, Version: head[0]})
		return nil, nil, wire.ErrInvalidData
	}
	if head[1] != cmdConnect {
		s.st.Emit(event.ClientRequestedUnsupportedCommand{ID: s.id, Command: head[1]})
		if err := s.sendReply(statusCommandNotSupported, netip.AddrPort{}); err != nil {
			return nil, nil, err
		}
		return nil, nil, errRejected
	}

	var request socks5.Request
	switch atyp := head[3]; atyp {
	case 0x01:
		var octets [4]byte
		if _, err := io.ReadFull(br, octets[:]); err != nil {
			return nil, nil, unexpectedEOF(err)
		}
		request.Destination.Addr = netip.AddrFrom4(octets)
	case 0x03:
		length, err := br.ReadByte()
		if err != nil {
			return nil, nil, unexpectedEOF(err)
		}
		if length == 0 {
			return nil, nil, wire.ErrInvalidData
		}
		name := make([]byte, length)
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, nil, unexpectedEOF(err)
		}
		request.Destination.Domain = string(name)
	case 0x04:
		var octets [16]byte
		if _, err := io.ReadFull(br, octets[:]); err != nil {
			return nil, nil, unexpectedEOF(err)
		}
		request.Destination.Addr = netip.AddrFrom16(octets)
	default:
		s.st.Emit(event.ClientRequestedUnsupportedAtyp{ID: s.id, Atyp: atyp})
		if err := s.sendReply(statusAddressTypeNotSupported, netip.AddrPort{}); err != nil {
			return nil, nil, err
		}
		return nil, nil, errRejected
	}

	port, err := readU16(br)
	if err != nil {
		return nil, nil, err
	}
	request.Port = port

	s.st.Emit(event.ClientSocksRequest{ID: s.id, Request: request})

	if request.Destination.IsDomain() {
		s.st.Emit(event.ClientDnsLookup{ID: s.id, Domain: request.Destination.Domain})
		resolved, err := s.lookup(ctx, request.Destination.Domain)
		if err != nil {
			return nil, err, nil
		}
		for _, a := range resolved {
			addrs = append(addrs, netip.AddrPortFrom(a, port))
		}
		return addrs, nil, nil
	}

	return []netip.AddrPort{netip.AddrPortFrom(request.Destination.Addr, port)}, nil, nil
}

// connectAny tries the resolved addresses in order, replying with a mapped
// failure status when none succeed.
func (s *Session) connectAny(ctx context.Context, addrs []netip.AddrPort, lastErr error) (net.Conn, bool) {
	for _, addr := range addrs {
		s.st.Emit(event.ClientAttemptingConnect{ID: s.id, Addr: addr})

		dst, err := s.dial(ctx, addr)
		if err != nil {
			kind := wire.KindOf(err)
			// The dialer reports local socket setup problems and remote
			// connect problems through the same error; address-availability
			// kinds indicate the former.
			if kind == wire.KindAddrInUse || kind == wire.KindAddrNotAvailable {
				s.st.Emit(event.ClientConnectionAttemptBindFailed{ID: s.id, Err: kind})
			} else {
				s.st.Emit(event.ClientConnectionAttemptConnectFailed{ID: s.id, Err: kind})
			}
			lastErr = err
			continue
		}

		s.st.Emit(event.ClientConnectedToDestination{ID: s.id, Addr: localAddrPort(dst)})
		return dst, true
	}

	s.st.Emit(event.ClientFailedToConnectToDestination{ID: s.id})

	status := byte(statusHostUnreachable)
	if lastErr != nil {
		status = statusFromError(lastErr)
	}
	_ = s.sendReply(status, netip.AddrPort{})
	return nil, false
}

// statusFromError maps an I/O error kind to the SOCKS reply status.
func statusFromError(err error) byte {
	switch wire.KindOf(err) {
	case wire.KindConnectionAborted, wire.KindConnectionRefused, wire.KindConnectionReset:
		return statusConnectionRefused
	case wire.KindNotConnected:
		return statusNetworkUnreachable
	case wire.KindPermissionDenied:
		return statusConnectionNotAllowed
	case wire.KindTimedOut:
		return statusHostUnreachable
	case wire.KindAddrNotAvailable, wire.KindUnsupported:
		return statusAddressTypeNotSupported
	default:
		return statusGeneralFailure
	}
}

// sendReply writes {VER, status, RSV, ATYP, BND.ADDR, BND.PORT}. A zero
// bound address is encoded as IPv4 zeros.
func (s *Session) sendReply(status byte, bound netip.AddrPort) error {
	buf := make([]byte, 0, 22)
	buf = append(buf, socks5.Version, status, 0x00)

	addr := bound.Addr()
	switch {
	case !bound.IsValid():
		buf = append(buf, 0x01, 0, 0, 0, 0, 0, 0)
	case addr.Is4() || addr.Is4In6():
		octets := addr.As4()
		buf = append(buf, 0x01)
		buf = append(buf, octets[:]...)
		buf = append(buf, byte(bound.Port()>>8), byte(bound.Port()))
	default:
		octets := addr.As16()
		buf = append(buf, 0x04)
		buf = append(buf, octets[:]...)
		buf = append(buf, byte(bound.Port()>>8), byte(bound.Port()))
	}

	_, err := s.conn.Write(buf)
	return err
}

// halfCloser is the write-side shutdown surface of a TCP connection.
type halfCloser interface {
	CloseWrite() error
}

// splice forwards bytes in both directions until both halves close,
// emitting per-chunk byte counters and half-close events. The buffer size
// cell is read once at splice start.
func (s *Session) splice(client io.Reader, dst net.Conn) error {
	bufSize := s.st.BufferSize()

	var wg sync.WaitGroup
	var sendErr, recvErr error

	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := bufpool.GetUint32(bufSize)
		defer bufpool.Put(buf)

		for {
			n, err := client.Read(buf)
			if n > 0 {
				s.bytesSent += uint64(n)
				s.st.Emit(event.ClientBytesSent{ID: s.id, Count: uint64(n)})
				if _, werr := dst.Write(buf[:n]); werr != nil {
					sendErr = werr
					s.conn.Close()
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					s.st.Emit(event.ClientSourceShutdown{ID: s.id})
					if hc, ok := dst.(halfCloser); ok {
						_ = hc.CloseWrite()
					}
				} else {
					sendErr = err
					dst.Close()
				}
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		buf := bufpool.GetUint32(bufSize)
		defer bufpool.Put(buf)

		for {
			n, err := dst.Read(buf)
			if n > 0 {
				s.bytesReceived += uint64(n)
				s.st.Emit(event.ClientBytesReceived{ID: s.id, Count: uint64(n)})
				if _, werr := s.conn.Write(buf[:n]); werr != nil {
					recvErr = werr
					dst.Close()
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					s.st.Emit(event.ClientDestinationShutdown{ID: s.id})
					if hc, ok := s.conn.(halfCloser); ok {
						_ = hc.CloseWrite()
					}
				} else {
					recvErr = err
					s.conn.Close()
				}
				return
			}
		}
	}()

	wg.Wait()

	if sendErr != nil && !isClosedErr(sendErr) {
		return sendErr
	}
	if recvErr != nil && !isClosedErr(recvErr) {
		return recvErr
	}
	return nil
}

// isClosedErr filters the error the surviving direction reports after the
// failing one tore the sockets down.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func hasMethod(methods []byte, m byte) bool {
	for _, b := range methods {
		if b == m {
			return true
		}
	}
	return false
}

// readLengthPrefixed reads a u8 length and that many bytes.
func readLengthPrefixed(br *bufio.Reader) (string, error) {
	length, err := br.ReadByte()
	if err != nil {
		return "", unexpectedEOF(err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", unexpectedEOF(err)
	}
	return string(buf), nil
}

func readU16(br *bufio.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, unexpectedEOF(err)
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func localAddrPort(conn net.Conn) netip.AddrPort {
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	return netip.AddrPort{}
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
