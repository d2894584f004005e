package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/marmos91/sirocco/internal/bytesize"
	"github.com/marmos91/sirocco/pkg/event"
	"github.com/marmos91/sirocco/pkg/sandstorm"
	"github.com/marmos91/sirocco/pkg/sandstorm/client"
	"github.com/marmos91/sirocco/pkg/socks5"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication methods",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List auth methods and their state",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			list, err := c.ListAuthMethods(ctx)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Method", "Enabled"})
			for _, st := range list {
				table.Append([]string{st.Method.String(), fmt.Sprintf("%t", st.Enabled)})
			}
			table.Render()
			return nil
		}),
	})

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <noauth|userpass>",
			Short: fmt.Sprintf("%s an auth method", use),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var method socks5.AuthMethod
				switch args[0] {
				case "noauth":
					method = socks5.AuthNoAuth
				case "userpass":
					method = socks5.AuthUsernamePassword
				default:
					return fmt.Errorf("unknown auth method %q", args[0])
				}
				return withClient(func(ctx context.Context, c *client.Client) error {
					ok, err := c.ToggleAuthMethod(ctx, method, enabled)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("server rejected toggling %s", method)
					}
					fmt.Printf("Auth method %s is now %t\n", method, enabled)
					return nil
				})(cmd, args)
			},
		}
	}
	cmd.AddCommand(toggle("enable", true))
	cmd.AddCommand(toggle("disable", false))
	return cmd
}

func newBufferCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect or set the splice buffer size",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current buffer size",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			size, err := c.GetBufferSize(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d (%s)\n", size, bytesize.ByteSize(size))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <size>",
		Short: "Set the buffer size, e.g. 8192, 0x2000 or 8K",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := bytesize.Parse(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				ok, err := c.SetBufferSize(ctx, size.Uint32())
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("server rejected buffer size %d", size.Uint32())
				}
				fmt.Printf("Buffer size is now %d\n", size.Uint32())
				return nil
			})(cmd, args)
		},
	})
	return cmd
}

func newMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show the server's current metrics",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			metrics, err := c.RequestMetrics(ctx)
			if err != nil {
				return err
			}
			if metrics == nil {
				fmt.Println("Metrics are disabled on this server")
				return nil
			}
			printMetrics(*metrics)
			return nil
		}),
	}
}

func printMetrics(m event.Metrics) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"current client connections", fmt.Sprintf("%d", m.CurrentClientConnections)})
	table.Append([]string{"historic client connections", fmt.Sprintf("%d", m.HistoricClientConnections)})
	table.Append([]string{"client bytes sent", fmt.Sprintf("%d", m.ClientBytesSent)})
	table.Append([]string{"client bytes received", fmt.Sprintf("%d", m.ClientBytesReceived)})
	table.Append([]string{"current sandstorm connections", fmt.Sprintf("%d", m.CurrentSandstormConnections)})
	table.Append([]string{"historic sandstorm connections", fmt.Sprintf("%d", m.HistoricSandstormConnections)})
	table.Render()
}

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream server events to stdout until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			c.SetEventSink(func(ev event.Event) {
				fmt.Printf("[%d] %s\n", ev.Timestamp, ev.Kind)
			})

			resp, err := c.EventStreamConfig(ctx, true)
			if err != nil {
				return err
			}
			if resp.Status == sandstorm.EventStreamEnabled {
				printMetrics(resp.Metrics)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				return c.Err()
			}
		},
	}
}

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Request a graceful server shutdown",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.Shutdown(ctx); err != nil {
				return err
			}
			fmt.Println("Server is shutting down")
			return nil
		}),
	}
}

func newMeowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "meow",
		Short: "Probe that the management stream is alive",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.Meow(ctx); err != nil {
				return err
			}
			fmt.Println("MEOW")
			return nil
		}),
	}
}
