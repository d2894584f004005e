package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently so
// log lines stay greppable across the server and the management client.
const (
	KeyTraceID   = "trace_id"   // per-session correlation id
	KeyClientID  = "client_id"  // SOCKS5 client session id
	KeyManagerID = "manager_id" // management session id
	KeyAddress   = "address"    // socket address
	KeyUsername  = "username"   // authenticated or requested username
	KeyRole      = "role"       // user role
	KeyMethod    = "method"     // authentication method
	KeyBytes     = "bytes"      // byte count
	KeyError     = "error"      // error message
	KeyPath      = "path"       // file path
)

// TraceID returns a slog.Attr for the per-session correlation id
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// ClientID returns a slog.Attr for a SOCKS5 client session id
func ClientID(id uint64) slog.Attr {
	return slog.Uint64(KeyClientID, id)
}

// ManagerID returns a slog.Attr for a management session id
func ManagerID(id uint64) slog.Attr {
	return slog.Uint64(KeyManagerID, id)
}

// Address returns a slog.Attr for a socket address
func Address(addr string) slog.Attr {
	return slog.String(KeyAddress, addr)
}

// Username returns a slog.Attr for a username
func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
