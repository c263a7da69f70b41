package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/w-gao/nodeforge/internal/policy"
)

var templateLaunch launchFlags

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage launch templates",
}

var templateCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a launch template from the launch settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			spec, tags, err := a.launchSpec(&templateLaunch)
			if err != nil {
				return err
			}
			err = a.policy.Check(ctx, policy.Input{
				Operation:        "template.create",
				ImageID:          spec.ImageID,
				InstanceType:     spec.InstanceType,
				AvailabilityZone: spec.AvailabilityZone,
				Tags:             tags,
			})
			if err != nil {
				return err
			}

			id, err := a.provisioner.CreateLaunchTemplate(ctx, args[0], spec, tags)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete TEMPLATE_ID",
	Short: "Delete a launch template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.provisioner.DeleteLaunchTemplate(ctx, args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.AddCommand(templateCreateCmd, templateDeleteCmd)

	templateLaunch.register(templateCreateCmd)
}
