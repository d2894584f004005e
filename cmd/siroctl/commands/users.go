package commands

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/marmos91/sirocco/pkg/sandstorm"
	"github.com/marmos91/sirocco/pkg/sandstorm/client"
	"github.com/marmos91/sirocco/pkg/users"
)

func newUsersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage proxy users",
	}
	cmd.AddCommand(newUsersListCommand())
	cmd.AddCommand(newUsersAddCommand())
	cmd.AddCommand(newUsersUpdateCommand())
	cmd.AddCommand(newUsersDeleteCommand())
	return cmd
}

func parseRole(s string) (users.Role, error) {
	switch s {
	case "admin":
		return users.RoleAdmin, nil
	case "regular":
		return users.RoleRegular, nil
	default:
		return 0, fmt.Errorf("unknown role %q (expected admin or regular)", s)
	}
}

func newUsersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users and their roles",
		RunE: withClient(func(ctx context.Context, c *client.Client) error {
			list, err := c.ListUsers(ctx)
			if err != nil {
				return err
			}
			sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Username", "Role"})
			for _, u := range list {
				table.Append([]string{u.Name, u.Role.String()})
			}
			table.Render()
			return nil
		}),
	}
}

func newUsersAddCommand() *cobra.Command {
	var roleName string

	cmd := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := parseRole(roleName)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *client.Client) error {
				status, err := c.AddUser(ctx, args[0], args[1], role)
				if err != nil {
					return err
				}
				if status != sandstorm.AddUserOk {
					return fmt.Errorf("add user failed: %s", status)
				}
				fmt.Printf("Added %s user %s\n", role, args[0])
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&roleName, "role", "regular", "user role: admin or regular")
	return cmd
}

func newUsersUpdateCommand() *cobra.Command {
	var newPassword, roleName string

	cmd := &cobra.Command{
		Use:   "update <username>",
		Short: "Change a user's password and/or role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var passPtr *string
			if cmd.Flags().Changed("password") {
				passPtr = &newPassword
			}
			var rolePtr *users.Role
			if cmd.Flags().Changed("role") {
				role, err := parseRole(roleName)
				if err != nil {
					return err
				}
				rolePtr = &role
			}

			return withClient(func(ctx context.Context, c *client.Client) error {
				status, err := c.UpdateUser(ctx, args[0], passPtr, rolePtr)
				if err != nil {
					return err
				}
				if status != sandstorm.UpdateUserOk {
					return fmt.Errorf("update user failed: %s", status)
				}
				fmt.Printf("Updated user %s\n", args[0])
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&newPassword, "password", "", "new password")
	cmd.Flags().StringVar(&roleName, "role", "", "new role: admin or regular")
	return cmd
}

func newUsersDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				status, err := c.DeleteUser(ctx, args[0])
				if err != nil {
					return err
				}
				if status != sandstorm.DeleteUserOk {
					return fmt.Errorf("delete user failed: %s", status)
				}
				fmt.Printf("Deleted user %s\n", args[0])
				return nil
			})(cmd, args)
		},
	}
}
