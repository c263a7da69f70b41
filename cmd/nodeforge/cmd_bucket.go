package main

import (
	"context"

	"github.com/spf13/cobra"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Create and delete S3 buckets",
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a bucket in the configured region",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.buckets.Create(ctx, args[0], a.cfg.Region())
		})
	},
}

var bucketDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete every object version in a bucket, then the bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), func(ctx context.Context, a *app) error {
			return a.buckets.Delete(ctx, args[0])
		})
	},
}

func init() {
	rootCmd.AddCommand(bucketCmd)
	bucketCmd.AddCommand(bucketCreateCmd, bucketDeleteCmd)
}
