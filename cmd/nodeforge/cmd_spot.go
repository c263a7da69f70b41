package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/w-gao/nodeforge/internal/compute"
	"github.com/w-gao/nodeforge/internal/policy"
)

var (
	spotLaunch    launchFlags
	spotPrice     float64
	spotCount     int32
	spotTimeout   time.Duration
	spotTentative bool
)

var spotCmd = &cobra.Command{
	Use:   "spot",
	Short: "Request spot instances",
}

var spotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Request spot instances and print them as they are fulfilled",
	Long: `Request spot instances and wait for their requests to be fulfilled.

Requests still open when the command stops (timeout, error or interrupt)
are cancelled. With --tentative, requests are given up at the first sign
that they will not be fulfilled soon and an empty result is not an error.`,
	Example: `  nodeforge spot create --price 0.25 --count 4 --type c5.xlarge
  nodeforge spot create --price 0.1 --timeout 10m --tentative`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return createSpotInstances(ctx, a, cmd)
		})
	},
}

func init() {
	rootCmd.AddCommand(spotCmd)
	spotCmd.AddCommand(spotCreateCmd)

	spotLaunch.register(spotCreateCmd)
	spotCreateCmd.Flags().Float64Var(&spotPrice, "price", 0, "Maximum hourly price in dollars")
	spotCreateCmd.Flags().Int32Var(&spotCount, "count", 1, "Number of instances")
	spotCreateCmd.Flags().DurationVar(&spotTimeout, "timeout", 0, "Give up on open requests after this long (0 waits indefinitely)")
	spotCreateCmd.Flags().BoolVar(&spotTentative, "tentative", false, "Give up early on requests unlikely to be fulfilled")
	_ = spotCreateCmd.MarkFlagRequired("price")
}

func createSpotInstances(ctx context.Context, a *app, cmd *cobra.Command) error {
	spec, tags, err := a.launchSpec(&spotLaunch)
	if err != nil {
		return err
	}
	err = a.policy.Check(ctx, policy.Input{
		Operation:        "spot.create",
		Market:           compute.MarketSpot,
		ImageID:          spec.ImageID,
		InstanceType:     spec.InstanceType,
		Count:            spotCount,
		AvailabilityZone: spec.AvailabilityZone,
		SubnetIDs:        lo.Compact([]string{spec.SubnetID}),
		SpotPrice:        spotPrice,
		Tags:             tags,
	})
	if err != nil {
		return err
	}

	req := compute.SpotRequest{
		Price:     spotPrice,
		Spec:      spec,
		Count:     spotCount,
		Timeout:   spotTimeout,
		Tentative: spotTentative,
		Tags:      tags,
	}
	for batch, err := range a.provisioner.CreateSpotInstances(ctx, req) {
		if err != nil {
			return err
		}
		for _, inst := range batch {
			fmt.Fprintln(cmd.OutOrStdout(), aws.ToString(inst.InstanceId))
		}
	}
	return nil
}
