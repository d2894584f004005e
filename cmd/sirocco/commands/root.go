// Package commands implements the sirocco server command tree.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configPath string

func newRootCommand(version, commit, date string) *cobra.Command {
	root := &cobra.Command{
		Use:           "sirocco",
		Short:         "A SOCKS5 proxy server with a live management protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newStartCommand())
	root.AddCommand(newInitCommand())
	root.AddCommand(newVersionCommand(version, commit, date))

	return root
}

// Execute runs the command tree.
func Execute(version, commit, date string) error {
	root := newRootCommand(version, commit, date)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

func newVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sirocco %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func newInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath
			if path == "" {
				path = "sirocco.yaml"
			}
			if err := writeSample(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
