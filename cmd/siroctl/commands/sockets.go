package commands

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/marmos91/sirocco/pkg/sandstorm"
	"github.com/marmos91/sirocco/pkg/sandstorm/client"
	"github.com/marmos91/sirocco/pkg/wire"
)

func newSocketsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sockets",
		Short: "Manage listening sockets",
	}
	cmd.AddCommand(newSocketsListCommand())
	cmd.AddCommand(newSocketsAddCommand())
	cmd.AddCommand(newSocketsRemoveCommand())
	return cmd
}

func newSocketsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List listening sockets",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			// Both lists pipeline over the same connection.
			var socks5Addrs, sandstormAddrs []netip.AddrPort
			if err := c.ListSocks5SocketsFn(func(addrs []netip.AddrPort) { socks5Addrs = addrs }); err != nil {
				return err
			}
			if err := c.ListSandstormSocketsFn(func(addrs []netip.AddrPort) { sandstormAddrs = addrs }); err != nil {
				return err
			}
			if err := c.FlushAndWait(ctx); err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Type", "Address"})
			for _, addrs := range []struct {
				kind  string
				addrs []netip.AddrPort
			}{
				{"socks5", socks5Addrs},
				{"sandstorm", sandstormAddrs},
			} {
				sorted := append([]netip.AddrPort(nil), addrs.addrs...)
				sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
				for _, a := range sorted {
					table.Append([]string{addrs.kind, a.String()})
				}
			}
			table.Render()
			return nil
		}),
	}
}

func parseSocketArgs(args []string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(args[0])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid socket address %q: %w", args[0], err)
	}
	return addr, nil
}

func newSocketsAddCommand() *cobra.Command {
	var management bool

	cmd := &cobra.Command{
		Use:   "add <address:port>",
		Short: "Bind a new listening socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseSocketArgs(args)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				var bindErr *wire.ErrKind
				if management {
					bindErr, err = c.AddSandstormSocket(ctx, addr)
				} else {
					bindErr, err = c.AddSocks5Socket(ctx, addr)
				}
				if err != nil {
					return err
				}
				if bindErr != nil {
					return fmt.Errorf("failed to bind %s: %s", addr, bindErr)
				}
				fmt.Printf("Now listening at %s\n", addr)
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&management, "sandstorm", false, "operate on management sockets instead of SOCKS5")
	return cmd
}

func newSocketsRemoveCommand() *cobra.Command {
	var management bool

	cmd := &cobra.Command{
		Use:   "remove <address:port>",
		Short: "Close a listening socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseSocketArgs(args)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				var status sandstorm.RemoveSocketStatus
				if management {
					status, err = c.RemoveSandstormSocket(ctx, addr)
				} else {
					status, err = c.RemoveSocks5Socket(ctx, addr)
				}
				if err != nil {
					return err
				}
				if status != sandstorm.RemoveSocketOk {
					return fmt.Errorf("remove socket failed: %s", status)
				}
				fmt.Printf("No longer listening at %s\n", addr)
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&management, "sandstorm", false, "operate on management sockets instead of SOCKS5")
	return cmd
}
