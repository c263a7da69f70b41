package main

import (
	"context"

	"github.com/spf13/cobra"
)

var iamCmd = &cobra.Command{
	Use:   "iam",
	Short: "Clean up IAM roles and instance profiles",
}

var iamDeleteRoleCmd = &cobra.Command{
	Use:   "delete-role NAME",
	Short: "Detach and delete a role's policies, then delete the role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.identity.DeleteRole(ctx, args[0])
		})
	},
}

var iamDeleteProfileCmd = &cobra.Command{
	Use:   "delete-profile NAME",
	Short: "Remove an instance profile's roles, then delete the profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.identity.DeleteInstanceProfile(ctx, args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(iamCmd)
	iamCmd.AddCommand(iamDeleteRoleCmd, iamDeleteProfileCmd)
}
