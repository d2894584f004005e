package client

import (
	"context"
	"net/netip"

	"github.com/marmos91/sirocco/pkg/event"
	"github.com/marmos91/sirocco/pkg/sandstorm"
	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/users"
	"github.com/marmos91/sirocco/pkg/wire"
)

// Synchronous wrappers over the pipelined request methods: issue one
// request, flush, and wait for its response. Callers that want pipelining
// use the *Fn methods directly.

func await[T any](c *Client, ctx context.Context, issue func(chan<- T) error) (T, error) {
	var zero T
	ch := make(chan T, 1)
	if err := issue(ch); err != nil {
		return zero, err
	}
	if err := c.Flush(); err != nil {
		return zero, err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-c.done:
		err := c.err
		if err == nil {
			err = wire.KindConnectionReset
		}
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Shutdown requests a graceful server shutdown and waits for the ack.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := await(c, ctx, func(ch chan<- struct{}) error {
		return c.ShutdownFn(func() { ch <- struct{}{} })
	})
	return err
}

// EventStreamConfig enables or disables the event stream.
func (c *Client) EventStreamConfig(ctx context.Context, enable bool) (sandstorm.EventStreamConfigResponse, error) {
	return await(c, ctx, func(ch chan<- sandstorm.EventStreamConfigResponse) error {
		return c.EventStreamConfigFn(enable, func(resp sandstorm.EventStreamConfigResponse) { ch <- resp })
	})
}

// ListSocks5Sockets lists the bound SOCKS5 listener addresses.
func (c *Client) ListSocks5Sockets(ctx context.Context) ([]netip.AddrPort, error) {
	return await(c, ctx, func(ch chan<- []netip.AddrPort) error {
		return c.ListSocks5SocketsFn(func(addrs []netip.AddrPort) { ch <- addrs })
	})
}

// AddSocks5Socket binds a new SOCKS5 listener. A nil result means success.
func (c *Client) AddSocks5Socket(ctx context.Context, addr netip.AddrPort) (*wire.ErrKind, error) {
	return await(c, ctx, func(ch chan<- *wire.ErrKind) error {
		return c.AddSocks5SocketFn(addr, func(kind *wire.ErrKind) { ch <- kind })
	})
}

// RemoveSocks5Socket closes a SOCKS5 listener.
func (c *Client) RemoveSocks5Socket(ctx context.Context, addr netip.AddrPort) (sandstorm.RemoveSocketStatus, error) {
	return await(c, ctx, func(ch chan<- sandstorm.RemoveSocketStatus) error {
		return c.RemoveSocks5SocketFn(addr, func(st sandstorm.RemoveSocketStatus) { ch <- st })
	})
}

// ListSandstormSockets lists the bound management listener addresses.
func (c *Client) ListSandstormSockets(ctx context.Context) ([]netip.AddrPort, error) {
	return await(c, ctx, func(ch chan<- []netip.AddrPort) error {
		return c.ListSandstormSocketsFn(func(addrs []netip.AddrPort) { ch <- addrs })
	})
}

// AddSandstormSocket binds a new management listener.
func (c *Client) AddSandstormSocket(ctx context.Context, addr netip.AddrPort) (*wire.ErrKind, error) {
	return await(c, ctx, func(ch chan<- *wire.ErrKind) error {
		return c.AddSandstormSocketFn(addr, func(kind *wire.ErrKind) { ch <- kind })
	})
}

// RemoveSandstormSocket closes a management listener.
func (c *Client) RemoveSandstormSocket(ctx context.Context, addr netip.AddrPort) (sandstorm.RemoveSocketStatus, error) {
	return await(c, ctx, func(ch chan<- sandstorm.RemoveSocketStatus) error {
		return c.RemoveSandstormSocketFn(addr, func(st sandstorm.RemoveSocketStatus) { ch <- st })
	})
}

// ListUsers lists all users.
func (c *Client) ListUsers(ctx context.Context) ([]users.User, error) {
	return await(c, ctx, func(ch chan<- []users.User) error {
		return c.ListUsersFn(func(list []users.User) { ch <- list })
	})
}

// AddUser creates a user.
func (c *Client) AddUser(ctx context.Context, username, password string, role users.Role) (sandstorm.AddUserStatus, error) {
	return await(c, ctx, func(ch chan<- sandstorm.AddUserStatus) error {
		return c.AddUserFn(username, password, role, func(st sandstorm.AddUserStatus) { ch <- st })
	})
}

// UpdateUser updates a user's password and/or role.
func (c *Client) UpdateUser(ctx context.Context, username string, password *string, role *users.Role) (sandstorm.UpdateUserStatus, error) {
	return await(c, ctx, func(ch chan<- sandstorm.UpdateUserStatus) error {
		return c.UpdateUserFn(username, password, role, func(st sandstorm.UpdateUserStatus) { ch <- st })
	})
}

// DeleteUser deletes a user.
func (c *Client) DeleteUser(ctx context.Context, username string) (sandstorm.DeleteUserStatus, error) {
	return await(c, ctx, func(ch chan<- sandstorm.DeleteUserStatus) error {
		return c.DeleteUserFn(username, func(st sandstorm.DeleteUserStatus) { ch <- st })
	})
}

// ListAuthMethods lists auth methods and their enabled state.
func (c *Client) ListAuthMethods(ctx context.Context) ([]sandstorm.AuthMethodState, error) {
	return await(c, ctx, func(ch chan<- []sandstorm.AuthMethodState) error {
		return c.ListAuthMethodsFn(func(list []sandstorm.AuthMethodState) { ch <- list })
	})
}

// ToggleAuthMethod enables or disables an auth method.
func (c *Client) ToggleAuthMethod(ctx context.Context, method socks5.AuthMethod, enabled bool) (bool, error) {
	return await(c, ctx, func(ch chan<- bool) error {
		return c.ToggleAuthMethodFn(method, enabled, func(ok bool) { ch <- ok })
	})
}

// RequestMetrics fetches a metrics snapshot; nil when metrics are disabled
// on the server.
func (c *Client) RequestMetrics(ctx context.Context) (*event.Metrics, error) {
	return await(c, ctx, func(ch chan<- *event.Metrics) error {
		return c.RequestMetricsFn(func(m *event.Metrics) { ch <- m })
	})
}

// GetBufferSize fetches the splice buffer size.
func (c *Client) GetBufferSize(ctx context.Context) (uint32, error) {
	return await(c, ctx, func(ch chan<- uint32) error {
		return c.GetBufferSizeFn(func(size uint32) { ch <- size })
	})
}

// SetBufferSize sets the splice buffer size.
func (c *Client) SetBufferSize(ctx context.Context, size uint32) (bool, error) {
	return await(c, ctx, func(ch chan<- bool) error {
		return c.SetBufferSizeFn(size, func(ok bool) { ch <- ok })
	})
}

// Meow probes the stream.
func (c *Client) Meow(ctx context.Context) error {
	_, err := await(c, ctx, func(ch chan<- struct{}) error {
		return c.MeowFn(func() { ch <- struct{}{} })
	})
	return err
}
