// Package event defines the server's event model: every state transition or
// protocol observation becomes a timestamped Event, broadcast to all
// interested consumers (log sinks, the metrics aggregator, management
// event streams).
package event

import (
	"fmt"
	"net/netip"

	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/users"
	"github.com/marmos91/sirocco/pkg/wire"
)

// Event is an immutable record: seconds since the Unix epoch plus the kind.
type Event struct {
	Timestamp int64
	Kind      Kind
}

// Kind is one of the tagged event variants. The set is closed; every kind
// has a stable single-byte discriminant in the wire codec.
type Kind interface {
	isKind()
	fmt.Stringer
}

// Server socket lifecycle.
type (
	NewSocks5Socket           struct{ Addr netip.AddrPort }
	FailedBindSocks5Socket    struct {
		Addr netip.AddrPort
		Err  wire.ErrKind
	}
	FailedBindAnySocketAborting struct{}
	RemovedSocks5Socket         struct{ Addr netip.AddrPort }
	NewSandstormSocket          struct{ Addr netip.AddrPort }
	FailedBindSandstormSocket   struct {
		Addr netip.AddrPort
		Err  wire.ErrKind
	}
	RemovedSandstormSocket struct{ Addr netip.AddrPort }
)

// User store lifecycle.
type (
	LoadingUsersFromFile struct{ Path string }
	UsersLoadedFromFile  struct {
		Path  string
		Count uint64
		Err   *users.LoadError // nil on success
	}
	StartingUpWithSingleDefaultUser struct{ UserPass string }
	SavingUsersToFile               struct{ Path string }
	UsersSavedToFile                struct {
		Path  string
		Count uint64
		Err   *wire.ErrKind // nil on success
	}
	UserRegistered struct {
		Name string
		Role users.Role
	}
	UserReplacedByArgs struct {
		Name string
		Role users.Role
	}
	UserUpdated struct {
		Name            string
		Role            users.Role
		PasswordChanged bool
	}
	UserDeleted struct {
		Name string
		Role users.Role
	}
)

// Runtime configuration.
type (
	AuthMethodToggled struct {
		Method  socks5.AuthMethod
		Enabled bool
	}
	BufferSizeChanged struct{ Size uint32 }
)

// SOCKS5 client session lifecycle.
type (
	NewClientConnectionAccepted struct {
		ID   uint64
		Addr netip.AddrPort
	}
	ClientConnectionAcceptFailed struct {
		Addr *netip.AddrPort // nil when the listener address is unknown
		Err  wire.ErrKind
	}
	ClientRequestedUnsupportedVersion struct {
		ID      uint64
		Version uint8
	}
	ClientRequestedUnsupportedCommand struct {
		ID      uint64
		Command uint8
	}
	ClientRequestedUnsupportedAtyp struct {
		ID   uint64
		Atyp uint8
	}
	ClientSelectedAuthMethod struct {
		ID     uint64
		Method socks5.AuthMethod
	}
	ClientRequestedUnsupportedUserpassVersion struct {
		ID      uint64
		Version uint8
	}
	ClientAuthenticatedWithUserpass struct {
		ID       uint64
		Username string
		Success  bool
	}
	ClientSocksRequest struct {
		ID      uint64
		Request socks5.Request
	}
	ClientDnsLookup struct {
		ID     uint64
		Domain string
	}
	ClientAttemptingConnect struct {
		ID   uint64
		Addr netip.AddrPort
	}
	ClientConnectionAttemptBindFailed struct {
		ID  uint64
		Err wire.ErrKind
	}
	ClientConnectionAttemptConnectFailed struct {
		ID  uint64
		Err wire.ErrKind
	}
	ClientFailedToConnectToDestination struct{ ID uint64 }
	ClientConnectedToDestination       struct {
		ID   uint64
		Addr netip.AddrPort
	}
	ClientBytesSent struct {
		ID    uint64
		Count uint64
	}
	ClientBytesReceived struct {
		ID    uint64
		Count uint64
	}
	ClientSourceShutdown      struct{ ID uint64 }
	ClientDestinationShutdown struct{ ID uint64 }
	ClientConnectionFinished  struct {
		ID       uint64
		Sent     uint64
		Received uint64
		Err      *wire.ErrKind // nil on clean finish
	}
)

// Shutdown.
type (
	ShutdownSignalReceived     struct{}
	SandstormRequestedShutdown struct{ ManagerID uint64 }
)

// Management (sandstorm) session lifecycle.
type (
	NewSandstormConnectionAccepted struct {
		ID   uint64
		Addr netip.AddrPort
	}
	SandstormConnectionAcceptFailed struct {
		Addr *netip.AddrPort
		Err  wire.ErrKind
	}
	SandstormRequestedUnsupportedVersion struct {
		ID      uint64
		Version uint8
	}
	SandstormAuthenticatedAs struct {
		ID       uint64
		Username string
		Success  bool
	}
	SandstormConnectionFinished struct {
		ID  uint64
		Err *wire.ErrKind // nil on clean finish
	}
)

// Manager-initiated mutations, attributed to the requesting session.
type (
	NewSocksSocketRequestedByManager struct {
		ManagerID uint64
		Addr      netip.AddrPort
	}
	RemoveSocksSocketRequestedByManager struct {
		ManagerID uint64
		Addr      netip.AddrPort
	}
	NewSandstormSocketRequestedByManager struct {
		ManagerID uint64
		Addr      netip.AddrPort
	}
	RemoveSandstormSocketRequestedByManager struct {
		ManagerID uint64
		Addr      netip.AddrPort
	}
	UserRegisteredByManager struct {
		ManagerID uint64
		Name      string
		Role      users.Role
	}
	UserUpdatedByManager struct {
		ManagerID       uint64
		Name            string
		Role            users.Role
		PasswordChanged bool
	}
	UserDeletedByManager struct {
		ManagerID uint64
		Name      string
		Role      users.Role
	}
	AuthMethodToggledByManager struct {
		ManagerID uint64
		Method    socks5.AuthMethod
		Enabled   bool
	}
	BufferSizeChangedByManager struct {
		ManagerID uint64
		Size      uint32
	}
)

func (NewSocks5Socket) isKind()                           {}
func (FailedBindSocks5Socket) isKind()                    {}
func (FailedBindAnySocketAborting) isKind()               {}
func (RemovedSocks5Socket) isKind()                       {}
func (NewSandstormSocket) isKind()                        {}
func (FailedBindSandstormSocket) isKind()                 {}
func (RemovedSandstormSocket) isKind()                    {}
func (LoadingUsersFromFile) isKind()                      {}
func (UsersLoadedFromFile) isKind()                       {}
func (StartingUpWithSingleDefaultUser) isKind()           {}
func (SavingUsersToFile) isKind()                         {}
func (UsersSavedToFile) isKind()                          {}
func (UserRegistered) isKind()                            {}
func (UserReplacedByArgs) isKind()                        {}
func (UserUpdated) isKind()                               {}
func (UserDeleted) isKind()                               {}
func (AuthMethodToggled) isKind()                         {}
func (BufferSizeChanged) isKind()                         {}
func (NewClientConnectionAccepted) isKind()               {}
func (ClientConnectionAcceptFailed) isKind()              {}
func (ClientRequestedUnsupportedVersion) isKind()         {}
func (ClientRequestedUnsupportedCommand) isKind()         {}
func (ClientRequestedUnsupportedAtyp) isKind()            {}
func (ClientSelectedAuthMethod) isKind()                  {}
func (ClientRequestedUnsupportedUserpassVersion) isKind() {}
func (ClientAuthenticatedWithUserpass) isKind()           {}
func (ClientSocksRequest) isKind()                        {}
func (ClientDnsLookup) isKind()                           {}
func (ClientAttemptingConnect) isKind()                   {}
func (ClientConnectionAttemptBindFailed) isKind()         {}
func (ClientConnectionAttemptConnectFailed) isKind()      {}
func (ClientFailedToConnectToDestination) isKind()        {}
func (ClientConnectedToDestination) isKind()              {}
func (ClientBytesSent) isKind()                           {}
func (ClientBytesReceived) isKind()                       {}
func (ClientSourceShutdown) isKind()                      {}
func (ClientDestinationShutdown) isKind()                 {}
func (ClientConnectionFinished) isKind()                  {}
func (ShutdownSignalReceived) isKind()                    {}
func (SandstormRequestedShutdown) isKind()                {}
func (NewSandstormConnectionAccepted) isKind()            {}
func (SandstormConnectionAcceptFailed) isKind()           {}
func (SandstormRequestedUnsupportedVersion) isKind()      {}
func (SandstormAuthenticatedAs) isKind()                  {}
func (SandstormConnectionFinished) isKind()               {}
func (NewSocksSocketRequestedByManager) isKind()          {}
func (RemoveSocksSocketRequestedByManager) isKind()       {}
func (NewSandstormSocketRequestedByManager) isKind()      {}
func (RemoveSandstormSocketRequestedByManager) isKind()   {}
func (UserRegisteredByManager) isKind()                   {}
func (UserUpdatedByManager) isKind()                      {}
func (UserDeletedByManager) isKind()                      {}
func (AuthMethodToggledByManager) isKind()                {}
func (BufferSizeChangedByManager) isKind()                {}

func (k NewSocks5Socket) String() string {
	return fmt.Sprintf("Listening for socks5 client connections at %s", k.Addr)
}

func (k FailedBindSocks5Socket) String() string {
	return fmt.Sprintf("Failed to set up socks5 socket at %s: %s", k.Addr, k.Err)
}

func (FailedBindAnySocketAborting) String() string {
	return "Failed to bind any socks5 socket! Aborting"
}

func (k RemovedSocks5Socket) String() string {
	return fmt.Sprintf("Will no longer listen for socks5 client connections at %s", k.Addr)
}

func (k NewSandstormSocket) String() string {
	return fmt.Sprintf("Listening for sandstorm connections at %s", k.Addr)
}

func (k FailedBindSandstormSocket) String() string {
	return fmt.Sprintf("Failed to set up sandstorm socket at %s: %s", k.Addr, k.Err)
}

func (k RemovedSandstormSocket) String() string {
	return fmt.Sprintf("Will no longer listen for sandstorm connections at %s", k.Addr)
}

func (k LoadingUsersFromFile) String() string {
	return fmt.Sprintf("Loading users from file %s", k.Path)
}

func (k UsersLoadedFromFile) String() string {
	if k.Err != nil {
		return fmt.Sprintf("Error while loading users from file %s: %s", k.Path, k.Err)
	}
	return fmt.Sprintf("Loaded %d users from file %s", k.Count, k.Path)
}

func (k StartingUpWithSingleDefaultUser) String() string {
	return fmt.Sprintf("Starting up with single default user %s", k.UserPass)
}

func (k SavingUsersToFile) String() string {
	return fmt.Sprintf("Saving users to file %s", k.Path)
}

func (k UsersSavedToFile) String() string {
	if k.Err != nil {
		return fmt.Sprintf("Failed to save users to file %s: %s", k.Path, *k.Err)
	}
	return fmt.Sprintf("Successfully saved %d users to file %s", k.Count, k.Path)
}

func (k UserRegistered) String() string {
	return fmt.Sprintf("Registered new %s user %s", k.Role, k.Name)
}

func (k UserReplacedByArgs) String() string {
	return fmt.Sprintf("Replaced user loaded from file %s with new %s user specified via argument", k.Name, k.Role)
}

func (k UserUpdated) String() string {
	if k.PasswordChanged {
		return fmt.Sprintf("Updated user %s with role %s and new password", k.Name, k.Role)
	}
	return fmt.Sprintf("Updated user %s with role %s, password unchanged", k.Name, k.Role)
}

func (k UserDeleted) String() string {
	return fmt.Sprintf("Deleted %s user %s", k.Role, k.Name)
}

func (k AuthMethodToggled) String() string {
	return fmt.Sprintf("Authentication method %s is now %s", k.Method, enabledStr(k.Enabled))
}

func (k BufferSizeChanged) String() string {
	return fmt.Sprintf("Client buffer size is now %d", k.Size)
}

func (k NewClientConnectionAccepted) String() string {
	return fmt.Sprintf("New client connection from %s assigned ID %d", k.Addr, k.ID)
}

func (k ClientConnectionAcceptFailed) String() string {
	if k.Addr != nil {
		return fmt.Sprintf("Failed to accept incoming socks connection from socket %s: %s", *k.Addr, k.Err)
	}
	return fmt.Sprintf("Failed to accept incoming socks connection from unknown socket: %s", k.Err)
}

func (k ClientRequestedUnsupportedVersion) String() string {
	return fmt.Sprintf("Client %d requested unsupported socks version: %d", k.ID, k.Version)
}

func (k ClientRequestedUnsupportedCommand) String() string {
	return fmt.Sprintf("Client %d requested unsupported socks command: %d", k.ID, k.Command)
}

func (k ClientRequestedUnsupportedAtyp) String() string {
	return fmt.Sprintf("Client %d requested unsupported socks ATYP: %d", k.ID, k.Atyp)
}

func (k ClientSelectedAuthMethod) String() string {
	if k.Method == socks5.AuthNoAcceptableMethod {
		return fmt.Sprintf("Client %d no acceptable authentication method found", k.ID)
	}
	return fmt.Sprintf("Client %d will use auth method %s", k.ID, k.Method)
}

func (k ClientRequestedUnsupportedUserpassVersion) String() string {
	return fmt.Sprintf("Client %d requested unsupported userpass version: %d", k.ID, k.Version)
}

func (k ClientAuthenticatedWithUserpass) String() string {
	if k.Success {
		return fmt.Sprintf("Client %d successfully authenticated as %s", k.ID, k.Username)
	}
	return fmt.Sprintf("Client %d unsuccessfully authenticated as %s", k.ID, k.Username)
}

func (k ClientSocksRequest) String() string {
	return fmt.Sprintf("Client %d requested to connect to %s", k.ID, k.Request)
}

func (k ClientDnsLookup) String() string {
	return fmt.Sprintf("Client %d performing DNS lookup for %s", k.ID, k.Domain)
}

func (k ClientAttemptingConnect) String() string {
	return fmt.Sprintf("Client %d attempting to connect to destination at %s", k.ID, k.Addr)
}

func (k ClientConnectionAttemptBindFailed) String() string {
	return fmt.Sprintf("Client %d failed to bind local socket: %s", k.ID, k.Err)
}

func (k ClientConnectionAttemptConnectFailed) String() string {
	return fmt.Sprintf("Client %d failed to connect to destination: %s", k.ID, k.Err)
}

func (k ClientFailedToConnectToDestination) String() string {
	return fmt.Sprintf("Client %d failed to connect to destination, sending error response", k.ID)
}

func (k ClientConnectedToDestination) String() string {
	return fmt.Sprintf("Client %d successfully established connection to destination at %s", k.ID, k.Addr)
}

func (k ClientBytesSent) String() string {
	return fmt.Sprintf("Client %d sent %d bytes", k.ID, k.Count)
}

func (k ClientBytesReceived) String() string {
	return fmt.Sprintf("Client %d received %d bytes", k.ID, k.Count)
}

func (k ClientSourceShutdown) String() string {
	return fmt.Sprintf("Client %d source socket shutdown", k.ID)
}

func (k ClientDestinationShutdown) String() string {
	return fmt.Sprintf("Client %d destination socket shutdown", k.ID)
}

func (k ClientConnectionFinished) String() string {
	if k.Err != nil {
		return fmt.Sprintf("Client %d closed with IO error after %d bytes sent and %d bytes received: %s", k.ID, k.Sent, k.Received, *k.Err)
	}
	return fmt.Sprintf("Client %d finished after %d bytes sent and %d bytes received", k.ID, k.Sent, k.Received)
}

func (ShutdownSignalReceived) String() string {
	return "Shutdown signal received"
}

func (k SandstormRequestedShutdown) String() string {
	return fmt.Sprintf("Manager %d requested the server shuts down", k.ManagerID)
}

func (k NewSandstormConnectionAccepted) String() string {
	return fmt.Sprintf("New management connection from %s assigned ID %d", k.Addr, k.ID)
}

func (k SandstormConnectionAcceptFailed) String() string {
	if k.Addr != nil {
		return fmt.Sprintf("Failed to accept incoming management connection from socket %s: %s", *k.Addr, k.Err)
	}
	return fmt.Sprintf("Failed to accept incoming management connection from unknown socket: %s", k.Err)
}

func (k SandstormRequestedUnsupportedVersion) String() string {
	return fmt.Sprintf("Manager %d requested unsupported sandstorm version: %d", k.ID, k.Version)
}

func (k SandstormAuthenticatedAs) String() string {
	if k.Success {
		return fmt.Sprintf("Manager %d successfully authenticated as %s", k.ID, k.Username)
	}
	return fmt.Sprintf("Manager %d unsuccessfully authenticated as %s", k.ID, k.Username)
}

func (k SandstormConnectionFinished) String() string {
	if k.Err != nil {
		return fmt.Sprintf("Manager %d closed with IO error: %s", k.ID, *k.Err)
	}
	return fmt.Sprintf("Manager %d finished", k.ID)
}

func (k NewSocksSocketRequestedByManager) String() string {
	return fmt.Sprintf("Manager %d requested opening a socks5 socket at %s", k.ManagerID, k.Addr)
}

func (k RemoveSocksSocketRequestedByManager) String() string {
	return fmt.Sprintf("Manager %d requested closing the socks5 socket at %s", k.ManagerID, k.Addr)
}

func (k NewSandstormSocketRequestedByManager) String() string {
	return fmt.Sprintf("Manager %d requested opening a sandstorm socket at %s", k.ManagerID, k.Addr)
}

func (k RemoveSandstormSocketRequestedByManager) String() string {
	return fmt.Sprintf("Manager %d requested closing the sandstorm socket at %s", k.ManagerID, k.Addr)
}

func (k UserRegisteredByManager) String() string {
	return fmt.Sprintf("Manager %d registered new %s user %s", k.ManagerID, k.Role, k.Name)
}

func (k UserUpdatedByManager) String() string {
	if k.PasswordChanged {
		return fmt.Sprintf("Manager %d updated user %s with role %s and new password", k.ManagerID, k.Name, k.Role)
	}
	return fmt.Sprintf("Manager %d updated user %s with role %s, password unchanged", k.ManagerID, k.Name, k.Role)
}

func (k UserDeletedByManager) String() string {
	return fmt.Sprintf("Manager %d deleted %s user %s", k.ManagerID, k.Role, k.Name)
}

func (k AuthMethodToggledByManager) String() string {
	return fmt.Sprintf("Manager %d set authentication method %s to %s", k.ManagerID, k.Method, enabledStr(k.Enabled))
}

func (k BufferSizeChangedByManager) String() string {
	return fmt.Sprintf("Manager %d set the client buffer size to %d", k.ManagerID, k.Size)
}

func enabledStr(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
