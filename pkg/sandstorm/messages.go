package sandstorm

import (
	"io"
	"net/netip"

	"github.com/marmos91/sirocco/pkg/event"
	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/users"
	"github.com/marmos91/sirocco/pkg/wire"
)

// Meow responses carry these four bytes. The command exists so clients can
// cheaply probe that the stream is alive and pipelining correctly.
var MeowPayload = [4]byte{'M', 'E', 'O', 'W'}

// AddUserStatus is the AddUser response payload.
type AddUserStatus uint8

const (
	AddUserOk            AddUserStatus = 0x00
	AddUserAlreadyExists AddUserStatus = 0x01
	AddUserInvalidValues AddUserStatus = 0x02
)

func (s AddUserStatus) String() string {
	switch s {
	case AddUserOk:
		return "ok"
	case AddUserAlreadyExists:
		return "user already exists"
	case AddUserInvalidValues:
		return "invalid values"
	default:
		return "unknown"
	}
}

// UpdateUserStatus is the UpdateUser response payload.
type UpdateUserStatus uint8

const (
	UpdateUserOk                    UpdateUserStatus = 0x00
	UpdateUserNotFound              UpdateUserStatus = 0x01
	UpdateUserCannotDeleteOnlyAdmin UpdateUserStatus = 0x02
	UpdateUserNothingWasRequested   UpdateUserStatus = 0x03
)

func (s UpdateUserStatus) String() string {
	switch s {
	case UpdateUserOk:
		return "ok"
	case UpdateUserNotFound:
		return "user not found"
	case UpdateUserCannotDeleteOnlyAdmin:
		return "cannot delete the only admin"
	case UpdateUserNothingWasRequested:
		return "nothing was requested"
	default:
		return "unknown"
	}
}

// DeleteUserStatus is the DeleteUser response payload.
type DeleteUserStatus uint8

const (
	DeleteUserOk                    DeleteUserStatus = 0x00
	DeleteUserNotFound              DeleteUserStatus = 0x01
	DeleteUserCannotDeleteOnlyAdmin DeleteUserStatus = 0x02
)

func (s DeleteUserStatus) String() string {
	switch s {
	case DeleteUserOk:
		return "ok"
	case DeleteUserNotFound:
		return "user not found"
	case DeleteUserCannotDeleteOnlyAdmin:
		return "cannot delete the only admin"
	default:
		return "unknown"
	}
}

// RemoveSocketStatus is the Remove*Socket response payload.
type RemoveSocketStatus uint8

const (
	RemoveSocketOk       RemoveSocketStatus = 0x00
	RemoveSocketNotFound RemoveSocketStatus = 0x01
)

func (s RemoveSocketStatus) String() string {
	switch s {
	case RemoveSocketOk:
		return "ok"
	case RemoveSocketNotFound:
		return "socket not found"
	default:
		return "unknown"
	}
}

// AddUserRequest is the AddUser request payload.
type AddUserRequest struct {
	Username string
	Password string
	Role     users.Role
}

// Encode writes the request payload (without the command byte).
func (q AddUserRequest) Encode(w io.Writer) error {
	if err := wire.WriteSmallString(w, q.Username); err != nil {
		return err
	}
	if err := wire.WriteSmallString(w, q.Password); err != nil {
		return err
	}
	return q.Role.Encode(w)
}

// ReadAddUserRequest decodes an AddUser request payload.
func ReadAddUserRequest(r io.Reader) (AddUserRequest, error) {
	var q AddUserRequest
	var err error
	if q.Username, err = wire.ReadSmallString(r); err != nil {
		return q, err
	}
	if q.Password, err = wire.ReadSmallString(r); err != nil {
		return q, err
	}
	q.Role, err = users.ReadRole(r)
	return q, err
}

// UpdateUserRequest is the UpdateUser request payload. Nil fields are left
// unchanged by the server.
type UpdateUserRequest struct {
	Username string
	Password *string
	Role     *users.Role
}

// Encode writes the request payload (without the command byte).
func (q UpdateUserRequest) Encode(w io.Writer) error {
	if err := wire.WriteSmallString(w, q.Username); err != nil {
		return err
	}
	err := wire.WriteOption(w, q.Password != nil, func(w io.Writer) error {
		return wire.WriteSmallString(w, *q.Password)
	})
	if err != nil {
		return err
	}
	return wire.WriteOption(w, q.Role != nil, func(w io.Writer) error {
		return q.Role.Encode(w)
	})
}

// ReadUpdateUserRequest decodes an UpdateUser request payload.
func ReadUpdateUserRequest(r io.Reader) (UpdateUserRequest, error) {
	var q UpdateUserRequest
	var err error
	if q.Username, err = wire.ReadSmallString(r); err != nil {
		return q, err
	}
	_, err = wire.ReadOption(r, func(r io.Reader) error {
		p, err := wire.ReadSmallString(r)
		q.Password = &p
		return err
	})
	if err != nil {
		return q, err
	}
	_, err = wire.ReadOption(r, func(r io.Reader) error {
		role, err := users.ReadRole(r)
		q.Role = &role
		return err
	})
	return q, err
}

// AuthMethodState pairs an auth method with whether it is enabled.
type AuthMethodState struct {
	Method  socks5.AuthMethod
	Enabled bool
}

// EventStreamStatus tags the EventStreamConfig response.
type EventStreamStatus uint8

const (
	EventStreamDisabled          EventStreamStatus = 0x00
	EventStreamEnabled           EventStreamStatus = 0x01
	EventStreamWasAlreadyEnabled EventStreamStatus = 0x02
)

// EventStreamConfigResponse answers an EventStreamConfig request. Metrics
// is only meaningful when Status is EventStreamEnabled: it is the snapshot
// taken at the moment the subscription started.
type EventStreamConfigResponse struct {
	Status  EventStreamStatus
	Metrics event.Metrics
}

// Encode writes the tagged response payload.
func (resp EventStreamConfigResponse) Encode(w io.Writer) error {
	if err := wire.WriteU8(w, uint8(resp.Status)); err != nil {
		return err
	}
	if resp.Status == EventStreamEnabled {
		return resp.Metrics.Encode(w)
	}
	return nil
}

// ReadEventStreamConfigResponse decodes the tagged response payload.
func ReadEventStreamConfigResponse(r io.Reader) (EventStreamConfigResponse, error) {
	tag, err := wire.ReadU8(r)
	if err != nil {
		return EventStreamConfigResponse{}, err
	}
	resp := EventStreamConfigResponse{Status: EventStreamStatus(tag)}
	switch resp.Status {
	case EventStreamDisabled, EventStreamWasAlreadyEnabled:
		return resp, nil
	case EventStreamEnabled:
		resp.Metrics, err = event.ReadMetrics(r)
		return resp, err
	default:
		return EventStreamConfigResponse{}, wire.ErrInvalidData
	}
}

// WriteAddrList writes a Vec<SocketAddr> payload.
func WriteAddrList(w io.Writer, addrs []netip.AddrPort) error {
	return wire.WriteVec(w, addrs, wire.WriteAddrPort)
}

// ReadAddrList reads a Vec<SocketAddr> payload.
func ReadAddrList(r io.Reader) ([]netip.AddrPort, error) {
	return wire.ReadVec(r, wire.ReadAddrPort)
}

// WriteUserList writes a Vec<(String, UserRole)> payload.
func WriteUserList(w io.Writer, list []users.User) error {
	return wire.WriteVec(w, list, func(w io.Writer, u users.User) error {
		if err := wire.WriteString(w, u.Name); err != nil {
			return err
		}
		return u.Role.Encode(w)
	})
}

// ReadUserList reads a Vec<(String, UserRole)> payload.
func ReadUserList(r io.Reader) ([]users.User, error) {
	return wire.ReadVec(r, func(r io.Reader) (users.User, error) {
		name, err := wire.ReadString(r)
		if err != nil {
			return users.User{}, err
		}
		role, err := users.ReadRole(r)
		return users.User{Name: name, Role: role}, err
	})
}

// WriteAuthMethodList writes a SmallVec<(AuthMethod, bool)> payload.
func WriteAuthMethodList(w io.Writer, list []AuthMethodState) error {
	return wire.WriteSmallVec(w, list, func(w io.Writer, st AuthMethodState) error {
		if err := st.Method.Encode(w); err != nil {
			return err
		}
		return wire.WriteBool(w, st.Enabled)
	})
}

// ReadAuthMethodList reads a SmallVec<(AuthMethod, bool)> payload.
func ReadAuthMethodList(r io.Reader) ([]AuthMethodState, error) {
	return wire.ReadSmallVec(r, func(r io.Reader) (AuthMethodState, error) {
		method, err := socks5.ReadAuthMethod(r)
		if err != nil {
			return AuthMethodState{}, err
		}
		enabled, err := wire.ReadBool(r)
		return AuthMethodState{Method: method, Enabled: enabled}, err
	})
}

// WriteAddSocketResult writes a Result<(), io_kind> payload.
func WriteAddSocketResult(w io.Writer, kind *wire.ErrKind) error {
	return wire.WriteResult(w, kind == nil, nil, func(w io.Writer) error {
		return kind.Encode(w)
	})
}

// ReadAddSocketResult reads a Result<(), io_kind> payload. A nil result
// means the socket was added.
func ReadAddSocketResult(r io.Reader) (*wire.ErrKind, error) {
	var kind *wire.ErrKind
	_, err := wire.ReadResult(r, nil, func(r io.Reader) error {
		k, err := wire.ReadErrKind(r)
		kind = &k
		return err
	})
	return kind, err
}
