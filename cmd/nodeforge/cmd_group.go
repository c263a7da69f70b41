package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/w-gao/nodeforge/internal/compute"
	"github.com/w-gao/nodeforge/internal/fleet"
	"github.com/w-gao/nodeforge/internal/policy"
)

var (
	groupTemplateID    string
	groupMin           int32
	groupMax           int32
	groupSubnets       []string
	groupInstanceTypes []string
	groupSpotBid       float64
	groupCheapest      bool
	groupTags          map[string]string
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage auto scaling groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an auto scaling group from a launch template",
	Example: `  nodeforge group create workers --template lt-0abc --max 10 --subnet subnet-1 --subnet subnet-2
  nodeforge group create spot-workers --template lt-0abc --max 20 --subnet subnet-1 \
      --instance-type m5.large --instance-type m5a.large --spot-bid 0.2 --cheapest`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			g := fleet.Group{
				Name:             args[0],
				LaunchTemplateID: groupTemplateID,
				MinSize:          groupMin,
				MaxSize:          groupMax,
				SubnetIDs:        groupSubnets,
				InstanceTypes:    groupInstanceTypes,
				SpotBid:          groupSpotBid,
				Cheapest:         groupCheapest,
				Tags:             mergeTags(a.cfg.Launch.Tags, groupTags),
			}
			if err := a.policy.Check(ctx, groupPolicyInput(g)); err != nil {
				return err
			}
			return a.fleet.CreateAutoScalingGroup(ctx, g)
		})
	},
}

var groupResizeCmd = &cobra.Command{
	Use:   "resize NAME",
	Short: "Change the minimum and maximum size of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.fleet.ResizeAutoScalingGroup(ctx, args[0], groupMin, groupMax)
		})
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a group and terminate its instances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.fleet.DeleteAutoScalingGroup(ctx, args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupCreateCmd, groupResizeCmd, groupDeleteCmd)

	f := groupCreateCmd.Flags()
	f.StringVar(&groupTemplateID, "template", "", "Launch template ID")
	f.Int32Var(&groupMin, "min", 0, "Minimum size")
	f.Int32Var(&groupMax, "max", 0, "Maximum size")
	f.StringSliceVar(&groupSubnets, "subnet", nil, "Subnet ID (repeatable)")
	f.StringSliceVar(&groupInstanceTypes, "instance-type", nil, "Instance type override (repeatable, at most 20)")
	f.Float64Var(&groupSpotBid, "spot-bid", 0, "Run all spot at this hourly price")
	f.BoolVar(&groupCheapest, "cheapest", false, "Use lowest-price instead of capacity-optimized spot allocation")
	f.StringToStringVar(&groupTags, "tag", nil, "Tag as key=value (repeatable)")
	_ = groupCreateCmd.MarkFlagRequired("template")

	groupResizeCmd.Flags().Int32Var(&groupMin, "min", 0, "Minimum size")
	groupResizeCmd.Flags().Int32Var(&groupMax, "max", 0, "Maximum size")
}

func groupPolicyInput(g fleet.Group) policy.Input {
	in := policy.Input{
		Operation:     "group.create",
		Market:        compute.MarketOnDemand,
		InstanceTypes: g.InstanceTypes,
		Count:         g.MaxSize,
		SubnetIDs:     g.SubnetIDs,
		Tags:          g.Tags,
	}
	if g.SpotBid > 0 {
		in.Market = compute.MarketSpot
		in.SpotPrice = g.SpotBid
	}
	return in
}
