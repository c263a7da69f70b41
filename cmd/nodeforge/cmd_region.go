package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/w-gao/nodeforge/internal/compute"
)

var regionCmd = &cobra.Command{
	Use:     "region ZONE",
	Short:   "Print the region an availability zone belongs to",
	Example: `  nodeforge region us-west-2c   # us-west-2`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		region, err := compute.ZoneToRegion(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), region)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(regionCmd)
}
