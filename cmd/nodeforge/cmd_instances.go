package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/w-gao/nodeforge/internal/compute"
	"github.com/w-gao/nodeforge/internal/policy"
)

var (
	instancesLaunch launchFlags
	instancesCount  int32
	instancesWait   bool
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Launch, wait for and terminate on-demand instances",
}

var instancesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Launch on-demand instances",
	Example: `  nodeforge instances create --image ami-0abc --type m5.large --count 3
  nodeforge instances create --tag owner=ops --wait`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return createInstances(ctx, a, cmd)
		})
	},
}

var instancesWaitCmd = &cobra.Command{
	Use:   "wait INSTANCE_ID...",
	Short: "Wait until instances leave the pending state",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			pending := lo.Map(args, func(id string, _ int) types.Instance {
				return types.Instance{
					InstanceId: aws.String(id),
					State:      &types.InstanceState{Name: types.InstanceStateNamePending},
				}
			})
			return waitInstances(ctx, a, cmd, pending)
		})
	},
}

var instancesTerminateCmd = &cobra.Command{
	Use:   "terminate INSTANCE_ID...",
	Short: "Terminate instances",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.provisioner.TerminateInstances(ctx, args)
		})
	},
}

func init() {
	rootCmd.AddCommand(instancesCmd)
	instancesCmd.AddCommand(instancesCreateCmd, instancesWaitCmd, instancesTerminateCmd)

	instancesLaunch.register(instancesCreateCmd)
	instancesCreateCmd.Flags().Int32Var(&instancesCount, "count", 1, "Number of instances")
	instancesCreateCmd.Flags().BoolVar(&instancesWait, "wait", false, "Wait until the instances leave pending")
}

func createInstances(ctx context.Context, a *app, cmd *cobra.Command) error {
	spec, tags, err := a.launchSpec(&instancesLaunch)
	if err != nil {
		return err
	}
	err = a.policy.Check(ctx, policy.Input{
		Operation:        "instances.create",
		Market:           compute.MarketOnDemand,
		ImageID:          spec.ImageID,
		InstanceType:     spec.InstanceType,
		Count:            instancesCount,
		AvailabilityZone: spec.AvailabilityZone,
		SubnetIDs:        lo.Compact([]string{spec.SubnetID}),
		Tags:             tags,
	})
	if err != nil {
		return err
	}

	instances, err := a.provisioner.CreateInstances(ctx, spec, instancesCount, tags)
	if err != nil {
		return err
	}
	log.Info().Int("count", len(instances)).Msg("instances launched")
	if !instancesWait {
		for _, inst := range instances {
			fmt.Fprintln(cmd.OutOrStdout(), aws.ToString(inst.InstanceId))
		}
		return nil
	}
	return waitInstances(ctx, a, cmd, instances)
}

func waitInstances(ctx context.Context, a *app, cmd *cobra.Command, instances []types.Instance) error {
	for inst, err := range a.provisioner.WaitInstancesRunning(ctx, instances) {
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
			aws.ToString(inst.InstanceId),
			instanceStateName(inst),
			aws.ToString(inst.PrivateIpAddress))
	}
	return nil
}

func instanceStateName(inst types.Instance) string {
	if inst.State == nil {
		return ""
	}
	return string(inst.State.Name)
}
