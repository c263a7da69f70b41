package main

import (
	"github.com/spf13/cobra"
)

// launchFlags override the configured launch defaults.
type launchFlags struct {
	imageID        string
	instanceType   string
	keyName        string
	zone           string
	subnetID       string
	securityGroups []string
	tags           map[string]string
}

func (f *launchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.imageID, "image", "", "AMI ID")
	cmd.Flags().StringVar(&f.instanceType, "type", "", "Instance type")
	cmd.Flags().StringVar(&f.keyName, "key", "", "SSH key pair name")
	cmd.Flags().StringVar(&f.zone, "zone", "", "Availability zone")
	cmd.Flags().StringVar(&f.subnetID, "subnet", "", "Subnet ID")
	cmd.Flags().StringSliceVar(&f.securityGroups, "security-group", nil, "Security group ID (repeatable)")
	cmd.Flags().StringToStringVar(&f.tags, "tag", nil, "Tag as key=value (repeatable)")
}
