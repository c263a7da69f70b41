package compute

import (
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

// ErrInvalidCount is returned when fewer than one instance is requested.
var ErrInvalidCount = errors.New("instance count must be at least 1")

// Spec describes what to launch. Zero-valued fields are left out of the
// request entirely so that EC2 applies its own defaults.
type Spec struct {
	ImageID            string
	InstanceType       string
	KeyName            string
	SecurityGroupIDs   []string
	UserData           []byte
	BlockDevices       []BlockDevice
	InstanceProfileARN string
	AvailabilityZone   string
	SubnetID           string
}

// BlockDevice is an EBS volume or instance store mapping.
type BlockDevice struct {
	DeviceName string
	// VirtualName maps an instance store volume (ephemeral0, ...) instead of EBS.
	VirtualName         string
	VolumeSizeGiB       int32
	VolumeType          string
	Encrypted           bool
	DeleteOnTermination bool
}

// Validate checks the parts of a spec that can be checked without calling AWS.
func (s Spec) Validate() error {
	if s.AvailabilityZone != "" {
		if _, err := ZoneToRegion(s.AvailabilityZone); err != nil {
			return err
		}
	}
	return nil
}

func validateCount(count int32) error {
	if count < 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidCount, count)
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func optionalInt32(n int32) *int32 {
	if n == 0 {
		return nil
	}
	return aws.Int32(n)
}

func optionalBool(b bool) *bool {
	if !b {
		return nil
	}
	return aws.Bool(true)
}

func optionalSlice[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}

func (s Spec) encodedUserData() *string {
	if len(s.UserData) == 0 {
		return nil
	}
	return aws.String(base64.StdEncoding.EncodeToString(s.UserData))
}

func (s Spec) blockDeviceMappings() []types.BlockDeviceMapping {
	return optionalSlice(lo.Map(s.BlockDevices, func(d BlockDevice, _ int) types.BlockDeviceMapping {
		m := types.BlockDeviceMapping{
			DeviceName:  optionalString(d.DeviceName),
			VirtualName: optionalString(d.VirtualName),
		}
		if d.VirtualName == "" {
			m.Ebs = &types.EbsBlockDevice{
				VolumeSize:          optionalInt32(d.VolumeSizeGiB),
				VolumeType:          types.VolumeType(d.VolumeType),
				Encrypted:           optionalBool(d.Encrypted),
				DeleteOnTermination: optionalBool(d.DeleteOnTermination),
			}
		}
		return m
	}))
}

func (s Spec) templateBlockDeviceMappings() []types.LaunchTemplateBlockDeviceMappingRequest {
	return optionalSlice(lo.Map(s.BlockDevices, func(d BlockDevice, _ int) types.LaunchTemplateBlockDeviceMappingRequest {
		m := types.LaunchTemplateBlockDeviceMappingRequest{
			DeviceName:  optionalString(d.DeviceName),
			VirtualName: optionalString(d.VirtualName),
		}
		if d.VirtualName == "" {
			m.Ebs = &types.LaunchTemplateEbsBlockDeviceRequest{
				VolumeSize:          optionalInt32(d.VolumeSizeGiB),
				VolumeType:          types.VolumeType(d.VolumeType),
				Encrypted:           optionalBool(d.Encrypted),
				DeleteOnTermination: optionalBool(d.DeleteOnTermination),
			}
		}
		return m
	}))
}

func (s Spec) runInstancesInput(count int32, tags map[string]string) *ec2.RunInstancesInput {
	in := &ec2.RunInstancesInput{
		ImageId:             optionalString(s.ImageID),
		MinCount:            aws.Int32(count),
		MaxCount:            aws.Int32(count),
		KeyName:             optionalString(s.KeyName),
		SecurityGroupIds:    optionalSlice(s.SecurityGroupIDs),
		InstanceType:        types.InstanceType(s.InstanceType),
		UserData:            s.encodedUserData(),
		BlockDeviceMappings: s.blockDeviceMappings(),
		SubnetId:            optionalString(s.SubnetID),
	}
	if s.InstanceProfileARN != "" {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: aws.String(s.InstanceProfileARN)}
	}
	if s.AvailabilityZone != "" {
		in.Placement = &types.Placement{AvailabilityZone: aws.String(s.AvailabilityZone)}
	}
	if len(tags) > 0 {
		in.TagSpecifications = tagSpecifications(tags, types.ResourceTypeInstance, types.ResourceTypeVolume)
	}
	return in
}

func (s Spec) spotLaunchSpecification() *types.RequestSpotLaunchSpecification {
	ls := &types.RequestSpotLaunchSpecification{
		ImageId:             optionalString(s.ImageID),
		KeyName:             optionalString(s.KeyName),
		SecurityGroupIds:    optionalSlice(s.SecurityGroupIDs),
		InstanceType:        types.InstanceType(s.InstanceType),
		UserData:            s.encodedUserData(),
		BlockDeviceMappings: s.blockDeviceMappings(),
		SubnetId:            optionalString(s.SubnetID),
	}
	if s.InstanceProfileARN != "" {
		ls.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: aws.String(s.InstanceProfileARN)}
	}
	if s.AvailabilityZone != "" {
		ls.Placement = &types.SpotPlacement{AvailabilityZone: aws.String(s.AvailabilityZone)}
	}
	return ls
}

// launchTemplateData has no top-level subnet, so a subnet moves the security
// groups onto the primary network interface with it.
func (s Spec) launchTemplateData(tags map[string]string) *types.RequestLaunchTemplateData {
	data := &types.RequestLaunchTemplateData{
		ImageId:             optionalString(s.ImageID),
		KeyName:             optionalString(s.KeyName),
		InstanceType:        types.InstanceType(s.InstanceType),
		UserData:            s.encodedUserData(),
		BlockDeviceMappings: s.templateBlockDeviceMappings(),
	}
	if s.SubnetID != "" {
		data.NetworkInterfaces = []types.LaunchTemplateInstanceNetworkInterfaceSpecificationRequest{{
			DeviceIndex: aws.Int32(0),
			SubnetId:    aws.String(s.SubnetID),
			Groups:      optionalSlice(s.SecurityGroupIDs),
		}}
	} else {
		data.SecurityGroupIds = optionalSlice(s.SecurityGroupIDs)
	}
	if s.InstanceProfileARN != "" {
		data.IamInstanceProfile = &types.LaunchTemplateIamInstanceProfileSpecificationRequest{Arn: aws.String(s.InstanceProfileARN)}
	}
	if s.AvailabilityZone != "" {
		data.Placement = &types.LaunchTemplatePlacementRequest{AvailabilityZone: aws.String(s.AvailabilityZone)}
	}
	if len(tags) > 0 {
		data.TagSpecifications = []types.LaunchTemplateTagSpecificationRequest{
			{ResourceType: types.ResourceTypeInstance, Tags: ec2Tags(tags)},
			{ResourceType: types.ResourceTypeVolume, Tags: ec2Tags(tags)},
		}
	}
	return data
}

// ec2Tags converts a tag map into EC2 tags ordered by key.
func ec2Tags(tags map[string]string) []types.Tag {
	keys := slices.Sorted(maps.Keys(tags))
	return lo.Map(keys, func(k string, _ int) types.Tag {
		return types.Tag{Key: aws.String(k), Value: aws.String(tags[k])}
	})
}

func tagSpecifications(tags map[string]string, resourceTypes ...types.ResourceType) []types.TagSpecification {
	return lo.Map(resourceTypes, func(rt types.ResourceType, _ int) types.TagSpecification {
		return types.TagSpecification{ResourceType: rt, Tags: ec2Tags(tags)}
	})
}
