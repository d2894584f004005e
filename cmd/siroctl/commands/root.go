// Package commands implements the siroctl management CLI: every command
// connects to a running server's management port and drives the sandstorm
// protocol.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/marmos91/sirocco/pkg/sandstorm/client"
)

var (
	serverAddr string
	username   string
	password   string
)

const requestTimeout = 30 * time.Second

// Execute runs the command tree.
func Execute() error {
	root := &cobra.Command{
		Use:           "siroctl",
		Short:         "Manage a running sirocco proxy server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&serverAddr, "server", "x", "127.0.0.1:2222", "management address of the server")
	pf.StringVarP(&username, "username", "U", "admin", "admin username")
	pf.StringVarP(&password, "password", "P", "", "admin password (prompted when omitted)")

	root.AddCommand(newUsersCommand())
	root.AddCommand(newSocketsCommand())
	root.AddCommand(newAuthCommand())
	root.AddCommand(newBufferCommand())
	root.AddCommand(newMetricsCommand())
	root.AddCommand(newEventsCommand())
	root.AddCommand(newShutdownCommand())
	root.AddCommand(newMeowCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

// connect dials the server, prompting for the password when none was given.
func connect(ctx context.Context) (*client.Client, error) {
	if password == "" {
		prompt := promptui.Prompt{
			Label: fmt.Sprintf("Password for %s", username),
			Mask:  '*',
		}
		entered, err := prompt.Run()
		if err != nil {
			return nil, err
		}
		password = entered
	}

	return client.Dial(ctx, serverAddr, username, password)
}

// withClient wraps a command body with connect/close and a request timeout.
func withClient(run func(ctx context.Context, c *client.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		return run(ctx, c)
	}
}
