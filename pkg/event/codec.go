package event

import (
	"io"
	"net/netip"

	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/users"
	"github.com/marmos91/sirocco/pkg/wire"
)

// Wire discriminants. Stable: changing any of these breaks persisted event
// logs and remote consumers.
const (
	codeNewSocks5Socket                           = 0x01
	codeFailedBindSocks5Socket                    = 0x02
	codeFailedBindAnySocketAborting               = 0x03
	codeRemovedSocks5Socket                       = 0x04
	codeNewSandstormSocket                        = 0x05
	codeFailedBindSandstormSocket                 = 0x06
	codeRemovedSandstormSocket                    = 0x07
	codeLoadingUsersFromFile                      = 0x08
	codeUsersLoadedFromFile                       = 0x09
	codeStartingUpWithSingleDefaultUser           = 0x0A
	codeSavingUsersToFile                         = 0x0B
	codeUsersSavedToFile                          = 0x0C
	codeUserRegistered                            = 0x0D
	codeUserReplacedByArgs                        = 0x0E
	codeUserUpdated                               = 0x0F
	codeUserDeleted                               = 0x10
	codeAuthMethodToggled                         = 0x11
	codeBufferSizeChanged                         = 0x12
	codeNewClientConnectionAccepted               = 0x13
	codeClientConnectionAcceptFailed              = 0x14
	codeClientRequestedUnsupportedVersion         = 0x15
	codeClientRequestedUnsupportedCommand         = 0x16
	codeClientRequestedUnsupportedAtyp            = 0x17
	codeClientSelectedAuthMethod                  = 0x18
	codeClientRequestedUnsupportedUserpassVersion = 0x19
	codeClientAuthenticatedWithUserpass           = 0x1A
	codeClientSocksRequest                        = 0x1B
	codeClientDnsLookup                           = 0x1C
	codeClientAttemptingConnect                   = 0x1D
	codeClientConnectionAttemptBindFailed         = 0x1E
	codeClientConnectionAttemptConnectFailed      = 0x1F
	codeClientFailedToConnectToDestination        = 0x20
	codeClientConnectedToDestination              = 0x21
	codeClientBytesSent                           = 0x22
	codeClientBytesReceived                       = 0x23
	codeClientSourceShutdown                      = 0x24
	codeClientDestinationShutdown                 = 0x25
	codeClientConnectionFinished                  = 0x26
	codeShutdownSignalReceived                    = 0x27
	codeSandstormRequestedShutdown                = 0x28
	codeNewSandstormConnectionAccepted            = 0x29
	codeSandstormConnectionAcceptFailed           = 0x2A
	codeSandstormRequestedUnsupportedVersion      = 0x2B
	codeSandstormAuthenticatedAs                  = 0x2C
	codeSandstormConnectionFinished               = 0x2D
	codeNewSocksSocketRequestedByManager          = 0x2E
	codeRemoveSocksSocketRequestedByManager       = 0x2F
	codeNewSandstormSocketRequestedByManager      = 0x30
	codeRemoveSandstormSocketRequestedByManager   = 0x31
	codeUserRegisteredByManager                   = 0x32
	codeUserUpdatedByManager                      = 0x33
	codeUserDeletedByManager                      = 0x34
	codeAuthMethodToggledByManager                = 0x35
	codeBufferSizeChangedByManager                = 0x36
)

// Write encodes the event: i64 timestamp, then the tagged kind.
func Write(w io.Writer, ev Event) error {
	if err := wire.WriteI64(w, ev.Timestamp); err != nil {
		return err
	}
	return WriteKind(w, ev.Kind)
}

// Read decodes an event written by Write.
func Read(r io.Reader) (Event, error) {
	ts, err := wire.ReadI64(r)
	if err != nil {
		return Event{}, err
	}
	kind, err := ReadKind(r)
	if err != nil {
		// The timestamp was already consumed, so a clean EOF here means a
		// truncated event.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Event{}, err
	}
	return Event{Timestamp: ts, Kind: kind}, nil
}

// WriteKind encodes the discriminant byte followed by the variant fields.
func WriteKind(w io.Writer, k Kind) error {
	switch k := k.(type) {
	case NewSocks5Socket:
		return writeAddrKind(w, codeNewSocks5Socket, k.Addr)
	case FailedBindSocks5Socket:
		return writeAddrErrKind(w, codeFailedBindSocks5Socket, k.Addr, k.Err)
	case FailedBindAnySocketAborting:
		return wire.WriteU8(w, codeFailedBindAnySocketAborting)
	case RemovedSocks5Socket:
		return writeAddrKind(w, codeRemovedSocks5Socket, k.Addr)
	case NewSandstormSocket:
		return writeAddrKind(w, codeNewSandstormSocket, k.Addr)
	case FailedBindSandstormSocket:
		return writeAddrErrKind(w, codeFailedBindSandstormSocket, k.Addr, k.Err)
	case RemovedSandstormSocket:
		return writeAddrKind(w, codeRemovedSandstormSocket, k.Addr)

	case LoadingUsersFromFile:
		if err := wire.WriteU8(w, codeLoadingUsersFromFile); err != nil {
			return err
		}
		return wire.WriteString(w, k.Path)
	case UsersLoadedFromFile:
		if err := wire.WriteU8(w, codeUsersLoadedFromFile); err != nil {
			return err
		}
		if err := wire.WriteString(w, k.Path); err != nil {
			return err
		}
		return wire.WriteResult(w, k.Err == nil,
			func(w io.Writer) error { return wire.WriteU64(w, k.Count) },
			func(w io.Writer) error { return k.Err.Encode(w) })
	case StartingUpWithSingleDefaultUser:
		if err := wire.WriteU8(w, codeStartingUpWithSingleDefaultUser); err != nil {
			return err
		}
		return wire.WriteString(w, k.UserPass)
	case SavingUsersToFile:
		if err := wire.WriteU8(w, codeSavingUsersToFile); err != nil {
			return err
		}
		return wire.WriteString(w, k.Path)
	case UsersSavedToFile:
		if err := wire.WriteU8(w, codeUsersSavedToFile); err != nil {
			return err
		}
		if err := wire.WriteString(w, k.Path); err != nil {
			return err
		}
		return wire.WriteResult(w, k.Err == nil,
			func(w io.Writer) error { return wire.WriteU64(w, k.Count) },
			func(w io.Writer) error { return k.Err.Encode(w) })

	case UserRegistered:
		return writeUserRoleKind(w, codeUserRegistered, k.Name, k.Role)
	case UserReplacedByArgs:
		return writeUserRoleKind(w, codeUserReplacedByArgs, k.Name, k.Role)
	case UserUpdated:
		if err := writeUserRoleKind(w, codeUserUpdated, k.Name, k.Role); err != nil {
			return err
		}
		return wire.WriteBool(w, k.PasswordChanged)
	case UserDeleted:
		return writeUserRoleKind(w, codeUserDeleted, k.Name, k.Role)

	case AuthMethodToggled:
		if err := wire.WriteU8(w, codeAuthMethodToggled); err != nil {
			return err
		}
		if err := k.Method.Encode(w); err != nil {
			return err
		}
		return wire.WriteBool(w, k.Enabled)
	case BufferSizeChanged:
		if err := wire.WriteU8(w, codeBufferSizeChanged); err != nil {
			return err
		}
		return wire.WriteU32(w, k.Size)

	case NewClientConnectionAccepted:
		return writeIDAddrKind(w, codeNewClientConnectionAccepted, k.ID, k.Addr)
	case ClientConnectionAcceptFailed:
		return writeAcceptFailedKind(w, codeClientConnectionAcceptFailed, k.Addr, k.Err)
	case ClientRequestedUnsupportedVersion:
		return writeIDByteKind(w, codeClientRequestedUnsupportedVersion, k.ID, k.Version)
	case ClientRequestedUnsupportedCommand:
		return writeIDByteKind(w, codeClientRequestedUnsupportedCommand, k.ID, k.Command)
	case ClientRequestedUnsupportedAtyp:
		return writeIDByteKind(w, codeClientRequestedUnsupportedAtyp, k.ID, k.Atyp)
	case ClientSelectedAuthMethod:
		if err := writeIDKind(w, codeClientSelectedAuthMethod, k.ID); err != nil {
			return err
		}
		return k.Method.Encode(w)
	case ClientRequestedUnsupportedUserpassVersion:
		return writeIDByteKind(w, codeClientRequestedUnsupportedUserpassVersion, k.ID, k.Version)
	case ClientAuthenticatedWithUserpass:
		if err := writeIDKind(w, codeClientAuthenticatedWithUserpass, k.ID); err != nil {
			return err
		}
		if err := wire.WriteString(w, k.Username); err != nil {
			return err
		}
		return wire.WriteBool(w, k.Success)
	case ClientSocksRequest:
		if err := writeIDKind(w, codeClientSocksRequest, k.ID); err != nil {
			return err
		}
		return k.Request.Encode(w)
	case ClientDnsLookup:
		if err := writeIDKind(w, codeClientDnsLookup, k.ID); err != nil {
			return err
		}
		return wire.WriteSmallString(w, k.Domain)
	case ClientAttemptingConnect:
		return writeIDAddrKind(w, codeClientAttemptingConnect, k.ID, k.Addr)
	case ClientConnectionAttemptBindFailed:
		return writeIDErrKind(w, codeClientConnectionAttemptBindFailed, k.ID, k.Err)
	case ClientConnectionAttemptConnectFailed:
		return writeIDErrKind(w, codeClientConnectionAttemptConnectFailed, k.ID, k.Err)
	case ClientFailedToConnectToDestination:
		return writeIDKind(w, codeClientFailedToConnectToDestination, k.ID)
	case ClientConnectedToDestination:
		return writeIDAddrKind(w, codeClientConnectedToDestination, k.ID, k.Addr)
	case ClientBytesSent:
		if err := writeIDKind(w, codeClientBytesSent, k.ID); err != nil {
			return err
		}
		return wire.WriteU64(w, k.Count)
	case ClientBytesReceived:
		if err := writeIDKind(w, codeClientBytesReceived, k.ID); err != nil {
			return err
		}
		return wire.WriteU64(w, k.Count)
	case ClientSourceShutdown:
		return writeIDKind(w, codeClientSourceShutdown, k.ID)
	case ClientDestinationShutdown:
		return writeIDKind(w, codeClientDestinationShutdown, k.ID)
	case ClientConnectionFinished:
		if err := writeIDKind(w, codeClientConnectionFinished, k.ID); err != nil {
			return err
		}
		if err := wire.WriteU64(w, k.Sent); err != nil {
			return err
		}
		if err := wire.WriteU64(w, k.Received); err != nil {
			return err
		}
		return writeUnitResult(w, k.Err)

	case ShutdownSignalReceived:
		return wire.WriteU8(w, codeShutdownSignalReceived)
	case SandstormRequestedShutdown:
		return writeIDKind(w, codeSandstormRequestedShutdown, k.ManagerID)

	case NewSandstormConnectionAccepted:
		return writeIDAddrKind(w, codeNewSandstormConnectionAccepted, k.ID, k.Addr)
	case SandstormConnectionAcceptFailed:
		return writeAcceptFailedKind(w, codeSandstormConnectionAcceptFailed, k.Addr, k.Err)
	case SandstormRequestedUnsupportedVersion:
		return writeIDByteKind(w, codeSandstormRequestedUnsupportedVersion, k.ID, k.Version)
	case SandstormAuthenticatedAs:
		if err := writeIDKind(w, codeSandstormAuthenticatedAs, k.ID); err != nil {
			return err
		}
		if err := wire.WriteString(w, k.Username); err != nil {
			return err
		}
		return wire.WriteBool(w, k.Success)
	case SandstormConnectionFinished:
		if err := writeIDKind(w, codeSandstormConnectionFinished, k.ID); err != nil {
			return err
		}
		return writeUnitResult(w, k.Err)

	case NewSocksSocketRequestedByManager:
		return writeIDAddrKind(w, codeNewSocksSocketRequestedByManager, k.ManagerID, k.Addr)
	case RemoveSocksSocketRequestedByManager:
		return writeIDAddrKind(w, codeRemoveSocksSocketRequestedByManager, k.ManagerID, k.Addr)
	case NewSandstormSocketRequestedByManager:
		return writeIDAddrKind(w, codeNewSandstormSocketRequestedByManager, k.ManagerID, k.Addr)
	case RemoveSandstormSocketRequestedByManager:
		return writeIDAddrKind(w, codeRemoveSandstormSocketRequestedByManager, k.ManagerID, k.Addr)
	case UserRegisteredByManager:
		if err := writeIDKind(w, codeUserRegisteredByManager, k.ManagerID); err != nil {
			return err
		}
		return writeUserRole(w, k.Name, k.Role)
	case UserUpdatedByManager:
		if err := writeIDKind(w, codeUserUpdatedByManager, k.ManagerID); err != nil {
			return err
		}
		if err := writeUserRole(w, k.Name, k.Role); err != nil {
			return err
		}
		return wire.WriteBool(w, k.PasswordChanged)
	case UserDeletedByManager:
		if err := writeIDKind(w, codeUserDeletedByManager, k.ManagerID); err != nil {
			return err
		}
		return writeUserRole(w, k.Name, k.Role)
	case AuthMethodToggledByManager:
		if err := writeIDKind(w, codeAuthMethodToggledByManager, k.ManagerID); err != nil {
			return err
		}
		if err := k.Method.Encode(w); err != nil {
			return err
		}
		return wire.WriteBool(w, k.Enabled)
	case BufferSizeChangedByManager:
		if err := writeIDKind(w, codeBufferSizeChangedByManager, k.ManagerID); err != nil {
			return err
		}
		return wire.WriteU32(w, k.Size)

	default:
		return wire.ErrInvalidData
	}
}

// ReadKind decodes a tagged event kind.
func ReadKind(r io.Reader) (Kind, error) {
	tag, err := wire.ReadU8(r)
	if err != nil {
		return nil, err
	}

	switch tag {
	case codeNewSocks5Socket:
		addr, err := wire.ReadAddrPort(r)
		return NewSocks5Socket{Addr: addr}, err
	case codeFailedBindSocks5Socket:
		addr, kind, err := readAddrErr(r)
		return FailedBindSocks5Socket{Addr: addr, Err: kind}, err
	case codeFailedBindAnySocketAborting:
		return FailedBindAnySocketAborting{}, nil
	case codeRemovedSocks5Socket:
		addr, err := wire.ReadAddrPort(r)
		return RemovedSocks5Socket{Addr: addr}, err
	case codeNewSandstormSocket:
		addr, err := wire.ReadAddrPort(r)
		return NewSandstormSocket{Addr: addr}, err
	case codeFailedBindSandstormSocket:
		addr, kind, err := readAddrErr(r)
		return FailedBindSandstormSocket{Addr: addr, Err: kind}, err
	case codeRemovedSandstormSocket:
		addr, err := wire.ReadAddrPort(r)
		return RemovedSandstormSocket{Addr: addr}, err

	case codeLoadingUsersFromFile:
		path, err := wire.ReadString(r)
		return LoadingUsersFromFile{Path: path}, err
	case codeUsersLoadedFromFile:
		k := UsersLoadedFromFile{}
		if k.Path, err = wire.ReadString(r); err != nil {
			return nil, err
		}
		_, err = wire.ReadResult(r,
			func(r io.Reader) error {
				k.Count, err = wire.ReadU64(r)
				return err
			},
			func(r io.Reader) error {
				k.Err, err = users.ReadLoadError(r)
				return err
			})
		return k, err
	case codeStartingUpWithSingleDefaultUser:
		up, err := wire.ReadString(r)
		return StartingUpWithSingleDefaultUser{UserPass: up}, err
	case codeSavingUsersToFile:
		path, err := wire.ReadString(r)
		return SavingUsersToFile{Path: path}, err
	case codeUsersSavedToFile:
		k := UsersSavedToFile{}
		if k.Path, err = wire.ReadString(r); err != nil {
			return nil, err
		}
		_, err = wire.ReadResult(r,
			func(r io.Reader) error {
				k.Count, err = wire.ReadU64(r)
				return err
			},
			func(r io.Reader) error {
				kind, err := wire.ReadErrKind(r)
				k.Err = &kind
				return err
			})
		return k, err

	case codeUserRegistered:
		name, role, err := readUserRole(r)
		return UserRegistered{Name: name, Role: role}, err
	case codeUserReplacedByArgs:
		name, role, err := readUserRole(r)
		return UserReplacedByArgs{Name: name, Role: role}, err
	case codeUserUpdated:
		name, role, err := readUserRole(r)
		if err != nil {
			return nil, err
		}
		changed, err := wire.ReadBool(r)
		return UserUpdated{Name: name, Role: role, PasswordChanged: changed}, err
	case codeUserDeleted:
		name, role, err := readUserRole(r)
		return UserDeleted{Name: name, Role: role}, err

	case codeAuthMethodToggled:
		method, err := socks5.ReadAuthMethod(r)
		if err != nil {
			return nil, err
		}
		enabled, err := wire.ReadBool(r)
		return AuthMethodToggled{Method: method, Enabled: enabled}, err
	case codeBufferSizeChanged:
		size, err := wire.ReadU32(r)
		return BufferSizeChanged{Size: size}, err

	case codeNewClientConnectionAccepted:
		id, addr, err := readIDAddr(r)
		return NewClientConnectionAccepted{ID: id, Addr: addr}, err
	case codeClientConnectionAcceptFailed:
		addr, kind, err := readAcceptFailed(r)
		return ClientConnectionAcceptFailed{Addr: addr, Err: kind}, err
	case codeClientRequestedUnsupportedVersion:
		id, b, err := readIDByte(r)
		return ClientRequestedUnsupportedVersion{ID: id, Version: b}, err
	case codeClientRequestedUnsupportedCommand:
		id, b, err := readIDByte(r)
		return ClientRequestedUnsupportedCommand{ID: id, Command: b}, err
	case codeClientRequestedUnsupportedAtyp:
		id, b, err := readIDByte(r)
		return ClientRequestedUnsupportedAtyp{ID: id, Atyp: b}, err
	case codeClientSelectedAuthMethod:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		method, err := socks5.ReadAuthMethod(r)
		return ClientSelectedAuthMethod{ID: id, Method: method}, err
	case codeClientRequestedUnsupportedUserpassVersion:
		id, b, err := readIDByte(r)
		return ClientRequestedUnsupportedUserpassVersion{ID: id, Version: b}, err
	case codeClientAuthenticatedWithUserpass:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		username, err := wire.ReadString(r)
		if err != nil {
			return nil, err
		}
		success, err := wire.ReadBool(r)
		return ClientAuthenticatedWithUserpass{ID: id, Username: username, Success: success}, err
	case codeClientSocksRequest:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		req, err := socks5.ReadRequest(r)
		return ClientSocksRequest{ID: id, Request: req}, err
	case codeClientDnsLookup:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		domain, err := wire.ReadSmallString(r)
		return ClientDnsLookup{ID: id, Domain: domain}, err
	case codeClientAttemptingConnect:
		id, addr, err := readIDAddr(r)
		return ClientAttemptingConnect{ID: id, Addr: addr}, err
	case codeClientConnectionAttemptBindFailed:
		id, kind, err := readIDErr(r)
		return ClientConnectionAttemptBindFailed{ID: id, Err: kind}, err
	case codeClientConnectionAttemptConnectFailed:
		id, kind, err := readIDErr(r)
		return ClientConnectionAttemptConnectFailed{ID: id, Err: kind}, err
	case codeClientFailedToConnectToDestination:
		id, err := wire.ReadU64(r)
		return ClientFailedToConnectToDestination{ID: id}, err
	case codeClientConnectedToDestination:
		id, addr, err := readIDAddr(r)
		return ClientConnectedToDestination{ID: id, Addr: addr}, err
	case codeClientBytesSent:
		id, count, err := readIDU64(r)
		return ClientBytesSent{ID: id, Count: count}, err
	case codeClientBytesReceived:
		id, count, err := readIDU64(r)
		return ClientBytesReceived{ID: id, Count: count}, err
	case codeClientSourceShutdown:
		id, err := wire.ReadU64(r)
		return ClientSourceShutdown{ID: id}, err
	case codeClientDestinationShutdown:
		id, err := wire.ReadU64(r)
		return ClientDestinationShutdown{ID: id}, err
	case codeClientConnectionFinished:
		k := ClientConnectionFinished{}
		if k.ID, err = wire.ReadU64(r); err != nil {
			return nil, err
		}
		if k.Sent, err = wire.ReadU64(r); err != nil {
			return nil, err
		}
		if k.Received, err = wire.ReadU64(r); err != nil {
			return nil, err
		}
		k.Err, err = readUnitResult(r)
		return k, err

	case codeShutdownSignalReceived:
		return ShutdownSignalReceived{}, nil
	case codeSandstormRequestedShutdown:
		id, err := wire.ReadU64(r)
		return SandstormRequestedShutdown{ManagerID: id}, err

	case codeNewSandstormConnectionAccepted:
		id, addr, err := readIDAddr(r)
		return NewSandstormConnectionAccepted{ID: id, Addr: addr}, err
	case codeSandstormConnectionAcceptFailed:
		addr, kind, err := readAcceptFailed(r)
		return SandstormConnectionAcceptFailed{Addr: addr, Err: kind}, err
	case codeSandstormRequestedUnsupportedVersion:
		id, b, err := readIDByte(r)
		return SandstormRequestedUnsupportedVersion{ID: id, Version: b}, err
	case codeSandstormAuthenticatedAs:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		username, err := wire.ReadString(r)
		if err != nil {
			return nil, err
		}
		success, err := wire.ReadBool(r)
		return SandstormAuthenticatedAs{ID: id, Username: username, Success: success}, err
	case codeSandstormConnectionFinished:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		result, err := readUnitResult(r)
		return SandstormConnectionFinished{ID: id, Err: result}, err

	case codeNewSocksSocketRequestedByManager:
		id, addr, err := readIDAddr(r)
		return NewSocksSocketRequestedByManager{ManagerID: id, Addr: addr}, err
	case codeRemoveSocksSocketRequestedByManager:
		id, addr, err := readIDAddr(r)
		return RemoveSocksSocketRequestedByManager{ManagerID: id, Addr: addr}, err
	case codeNewSandstormSocketRequestedByManager:
		id, addr, err := readIDAddr(r)
		return NewSandstormSocketRequestedByManager{ManagerID: id, Addr: addr}, err
	case codeRemoveSandstormSocketRequestedByManager:
		id, addr, err := readIDAddr(r)
		return RemoveSandstormSocketRequestedByManager{ManagerID: id, Addr: addr}, err
	case codeUserRegisteredByManager:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		name, role, err := readUserRole(r)
		return UserRegisteredByManager{ManagerID: id, Name: name, Role: role}, err
	case codeUserUpdatedByManager:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		name, role, err := readUserRole(r)
		if err != nil {
			return nil, err
		}
		changed, err := wire.ReadBool(r)
		return UserUpdatedByManager{ManagerID: id, Name: name, Role: role, PasswordChanged: changed}, err
	case codeUserDeletedByManager:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		name, role, err := readUserRole(r)
		return UserDeletedByManager{ManagerID: id, Name: name, Role: role}, err
	case codeAuthMethodToggledByManager:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		method, err := socks5.ReadAuthMethod(r)
		if err != nil {
			return nil, err
		}
		enabled, err := wire.ReadBool(r)
		return AuthMethodToggledByManager{ManagerID: id, Method: method, Enabled: enabled}, err
	case codeBufferSizeChangedByManager:
		id, err := wire.ReadU64(r)
		if err != nil {
			return nil, err
		}
		size, err := wire.ReadU32(r)
		return BufferSizeChangedByManager{ManagerID: id, Size: size}, err

	default:
		return nil, wire.ErrInvalidData
	}
}

func writeAddrKind(w io.Writer, code uint8, addr netip.AddrPort) error {
	if err := wire.WriteU8(w, code); err != nil {
		return err
	}
	return wire.WriteAddrPort(w, addr)
}

func writeAddrErrKind(w io.Writer, code uint8, addr netip.AddrPort, kind wire.ErrKind) error {
	if err := writeAddrKind(w, code, addr); err != nil {
		return err
	}
	return kind.Encode(w)
}

func writeIDKind(w io.Writer, code uint8, id uint64) error {
	if err := wire.WriteU8(w, code); err != nil {
		return err
	}
	return wire.WriteU64(w, id)
}

func writeIDAddrKind(w io.Writer, code uint8, id uint64, addr netip.AddrPort) error {
	if err := writeIDKind(w, code, id); err != nil {
		return err
	}
	return wire.WriteAddrPort(w, addr)
}

func writeIDByteKind(w io.Writer, code uint8, id uint64, b uint8) error {
	if err := writeIDKind(w, code, id); err != nil {
		return err
	}
	return wire.WriteU8(w, b)
}

func writeIDErrKind(w io.Writer, code uint8, id uint64, kind wire.ErrKind) error {
	if err := writeIDKind(w, code, id); err != nil {
		return err
	}
	return kind.Encode(w)
}

func writeAcceptFailedKind(w io.Writer, code uint8, addr *netip.AddrPort, kind wire.ErrKind) error {
	if err := wire.WriteU8(w, code); err != nil {
		return err
	}
	err := wire.WriteOption(w, addr != nil, func(w io.Writer) error {
		return wire.WriteAddrPort(w, *addr)
	})
	if err != nil {
		return err
	}
	return kind.Encode(w)
}

func writeUserRole(w io.Writer, name string, role users.Role) error {
	if err := wire.WriteSmallString(w, name); err != nil {
		return err
	}
	return role.Encode(w)
}

func writeUserRoleKind(w io.Writer, code uint8, name string, role users.Role) error {
	if err := wire.WriteU8(w, code); err != nil {
		return err
	}
	return writeUserRole(w, name, role)
}

func writeUnitResult(w io.Writer, kind *wire.ErrKind) error {
	return wire.WriteResult(w, kind == nil, nil, func(w io.Writer) error {
		return kind.Encode(w)
	})
}

func readUnitResult(r io.Reader) (*wire.ErrKind, error) {
	var kind *wire.ErrKind
	_, err := wire.ReadResult(r, nil, func(r io.Reader) error {
		k, err := wire.ReadErrKind(r)
		kind = &k
		return err
	})
	return kind, err
}

func readAddrErr(r io.Reader) (netip.AddrPort, wire.ErrKind, error) {
	addr, err := wire.ReadAddrPort(r)
	if err != nil {
		return netip.AddrPort{}, 0, err
	}
	kind, err := wire.ReadErrKind(r)
	return addr, kind, err
}

func readIDAddr(r io.Reader) (uint64, netip.AddrPort, error) {
	id, err := wire.ReadU64(r)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	addr, err := wire.ReadAddrPort(r)
	return id, addr, err
}

func readIDByte(r io.Reader) (uint64, uint8, error) {
	id, err := wire.ReadU64(r)
	if err != nil {
		return 0, 0, err
	}
	b, err := wire.ReadU8(r)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return id, b, err
}

func readIDErr(r io.Reader) (uint64, wire.ErrKind, error) {
	id, err := wire.ReadU64(r)
	if err != nil {
		return 0, 0, err
	}
	kind, err := wire.ReadErrKind(r)
	return id, kind, err
}

func readIDU64(r io.Reader) (uint64, uint64, error) {
	id, err := wire.ReadU64(r)
	if err != nil {
		return 0, 0, err
	}
	v, err := wire.ReadU64(r)
	return id, v, err
}

func readAcceptFailed(r io.Reader) (*netip.AddrPort, wire.ErrKind, error) {
	var addr *netip.AddrPort
	_, err := wire.ReadOption(r, func(r io.Reader) error {
		ap, err := wire.ReadAddrPort(r)
		addr = &ap
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	kind, err := wire.ReadErrKind(r)
	return addr, kind, err
}

func readUserRole(r io.Reader) (string, users.Role, error) {
	name, err := wire.ReadSmallString(r)
	if err != nil {
		return "", 0, err
	}
	role, err := users.ReadRole(r)
	return name, role, err
}
