// Package sandstorm defines the management protocol spoken between the
// server and the management client: a pipelined binary request/response
// protocol over a single TCP stream. Every post-handshake frame starts with
// a command-type byte which the response echoes back.
package sandstorm

import (
	"fmt"
	"io"

	"github.com/marmos91/sirocco/pkg/wire"
)

// Version is the handshake protocol version.
const Version = 0x01

// CommandType identifies a request/response pair. The values are part of
// the wire protocol and must not change.
type CommandType uint8

const (
	CmdShutdown              CommandType = 0x00
	CmdEventStreamConfig     CommandType = 0x01
	CmdEventStream           CommandType = 0x02
	CmdListSocks5Sockets     CommandType = 0x03
	CmdAddSocks5Socket       CommandType = 0x04
	CmdRemoveSocks5Socket    CommandType = 0x05
	CmdListSandstormSockets  CommandType = 0x06
	CmdAddSandstormSocket    CommandType = 0x07
	CmdRemoveSandstormSocket CommandType = 0x08
	CmdListUsers             CommandType = 0x09
	CmdAddUser               CommandType = 0x0A
	CmdUpdateUser            CommandType = 0x0B
	CmdDeleteUser            CommandType = 0x0C
	CmdListAuthMethods       CommandType = 0x0D
	CmdToggleAuthMethod      CommandType = 0x0E
	CmdRequestCurrentMetrics CommandType = 0x0F
	CmdGetBufferSize         CommandType = 0x10
	CmdSetBufferSize         CommandType = 0x11
	CmdMeow                  CommandType = 0x12

	// commandCount bounds per-command bookkeeping tables.
	commandCount = 0x13
)

// Count returns how many command types exist, for per-command tables.
func Count() int { return commandCount }

func (c CommandType) String() string {
	switch c {
	case CmdShutdown:
		return "Shutdown"
	case CmdEventStreamConfig:
		return "EventStreamConfig"
	case CmdEventStream:
		return "EventStream"
	case CmdListSocks5Sockets:
		return "ListSocks5Sockets"
	case CmdAddSocks5Socket:
		return "AddSocks5Socket"
	case CmdRemoveSocks5Socket:
		return "RemoveSocks5Socket"
	case CmdListSandstormSockets:
		return "ListSandstormSockets"
	case CmdAddSandstormSocket:
		return "AddSandstormSocket"
	case CmdRemoveSandstormSocket:
		return "RemoveSandstormSocket"
	case CmdListUsers:
		return "ListUsers"
	case CmdAddUser:
		return "AddUser"
	case CmdUpdateUser:
		return "UpdateUser"
	case CmdDeleteUser:
		return "DeleteUser"
	case CmdListAuthMethods:
		return "ListAuthMethods"
	case CmdToggleAuthMethod:
		return "ToggleAuthMethod"
	case CmdRequestCurrentMetrics:
		return "RequestCurrentMetrics"
	case CmdGetBufferSize:
		return "GetBufferSize"
	case CmdSetBufferSize:
		return "SetBufferSize"
	case CmdMeow:
		return "Meow"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(c))
	}
}

// Encode writes the command byte.
func (c CommandType) Encode(w io.Writer) error {
	return wire.WriteU8(w, uint8(c))
}

// ReadCommandType decodes a command byte, rejecting unknown values.
func ReadCommandType(r io.Reader) (CommandType, error) {
	b, err := wire.ReadU8(r)
	if err != nil {
		return 0, err
	}
	c := CommandType(b)
	if b >= commandCount {
		return 0, fmt.Errorf("%w: unknown command type 0x%02X", wire.ErrInvalidData, b)
	}
	return c, nil
}

// HandshakeStatus is the single byte the server answers the handshake with.
type HandshakeStatus uint8

const (
	HandshakeOk                 HandshakeStatus = 0x00
	HandshakeInvalidCredentials HandshakeStatus = 0x01
	HandshakePermissionDenied   HandshakeStatus = 0x02

	// HandshakeUnsupportedVersion is sent, followed by connection close,
	// when the client requested a protocol version the server cannot speak.
	HandshakeUnsupportedVersion HandshakeStatus = 0xFF
)

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeOk:
		return "ok"
	case HandshakeInvalidCredentials:
		return "invalid username or password"
	case HandshakePermissionDenied:
		return "permission denied"
	case HandshakeUnsupportedVersion:
		return "unsupported protocol version"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(s))
	}
}

// Handshake is the frame a client opens the connection with.
type Handshake struct {
	Username string
	Password string
}

// Encode writes the version byte plus credentials.
func (h Handshake) Encode(w io.Writer) error {
	if err := wire.WriteU8(w, Version); err != nil {
		return err
	}
	if err := wire.WriteSmallString(w, h.Username); err != nil {
		return err
	}
	return wire.WriteSmallString(w, h.Password)
}

// ReadHandshakeCredentials reads the credential part of the handshake; the
// caller has already consumed and checked the version byte.
func ReadHandshakeCredentials(r io.Reader) (Handshake, error) {
	username, err := wire.ReadSmallString(r)
	if err != nil {
		return Handshake{}, err
	}
	password, err := wire.ReadSmallString(r)
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{Username: username, Password: password}, nil
}
