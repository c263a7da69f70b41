// Package fleet manages auto scaling groups built on a launch template.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/w-gao/nodeforge/internal/retry"
)

// MaxInstanceTypes is the most overrides a mixed instances policy accepts.
const MaxInstanceTypes = 20

// DefaultVersion selects whatever version is the template's default.
const DefaultVersion = "$Default"

// Spot allocation strategies.
const (
	StrategyCapacityOptimized = "capacity-optimized"
	StrategyLowestPrice       = "lowest-price"
)

var (
	// ErrTooManyInstanceTypes is returned for more than MaxInstanceTypes overrides.
	ErrTooManyInstanceTypes = errors.New("too many instance types")
	// ErrNoSubnets is returned for a group without subnets.
	ErrNoSubnets = errors.New("at least one subnet is required")
)

// AutoScalingAPI defines the Auto Scaling operations used by the manager.
type AutoScalingAPI interface {
	CreateAutoScalingGroup(ctx context.Context, params *autoscaling.CreateAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error)
	UpdateAutoScalingGroup(ctx context.Context, params *autoscaling.UpdateAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error)
	DeleteAutoScalingGroup(ctx context.Context, params *autoscaling.DeleteAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error)
}

// Recorder is notified of every retried call.
type Recorder interface {
	RetryAttempted(ctx context.Context, operation string)
}

type nopRecorder struct{}

func (nopRecorder) RetryAttempted(context.Context, string) {}

// Group describes an auto scaling group.
type Group struct {
	Name             string
	LaunchTemplateID string
	MinSize          int32
	MaxSize          int32
	SubnetIDs        []string
	// InstanceTypes override the template's type. Empty keeps the template's.
	InstanceTypes []string
	// SpotBid, when positive, makes the group all spot at this hourly price.
	SpotBid float64
	// Cheapest picks lowest-price over capacity-optimized allocation.
	Cheapest bool
	Tags     map[string]string
}

// Validate checks the group without calling AWS.
func (g Group) Validate() error {
	if len(g.InstanceTypes) > MaxInstanceTypes {
		return fmt.Errorf("%w: %d given, at most %d allowed", ErrTooManyInstanceTypes, len(g.InstanceTypes), MaxInstanceTypes)
	}
	if len(g.SubnetIDs) == 0 {
		return fmt.Errorf("%w for group %s", ErrNoSubnets, g.Name)
	}
	return nil
}

// Manager creates, resizes and deletes auto scaling groups.
type Manager struct {
	api      AutoScalingAPI
	log      zerolog.Logger
	recorder Recorder
	tracer   trace.Tracer

	window time.Duration
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

// Config holds manager settings. Zero values select the defaults.
type Config struct {
	// Window bounds retries of IAM propagation errors.
	Window   time.Duration
	Logger   *zerolog.Logger
	Recorder Recorder
}

// New creates a manager on top of an Auto Scaling client.
func New(api AutoScalingAPI, cfg Config) *Manager {
	m := &Manager{
		api:      api,
		log:      log.Logger.With().Str("component", "fleet").Logger(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer("nodeforge/fleet"),
		window:   retry.LongWindow,
		sleep:    retry.Sleep,
		now:      time.Now,
	}
	if cfg.Window > 0 {
		m.window = cfg.Window
	}
	if cfg.Logger != nil {
		m.log = *cfg.Logger
	}
	if cfg.Recorder != nil {
		m.recorder = cfg.Recorder
	}
	return m
}

// CreateAutoScalingGroup creates g. Instances come from the default version
// of g's launch template.
func (m *Manager) CreateAutoScalingGroup(ctx context.Context, g Group) (err error) {
	if err := g.Validate(); err != nil {
		return err
	}

	ctx, span := m.tracer.Start(ctx, "fleet.create_auto_scaling_group", trace.WithAttributes(
		attribute.String("group.name", g.Name),
		attribute.Int("group.max_size", int(g.MaxSize)),
		attribute.Bool("group.spot", g.SpotBid > 0),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.log.Info().Ctx(ctx).
		Str("name", g.Name).
		Str("launch_template_id", g.LaunchTemplateID).
		Int32("min_size", g.MinSize).
		Int32("max_size", g.MaxSize).
		Strs("instance_types", g.InstanceTypes).
		Float64("spot_bid", g.SpotBid).
		Msg("creating auto scaling group")

	in := g.createInput()
	err = retry.Run(ctx, m.policy(ctx, "CreateAutoScalingGroup"), func(ctx context.Context) error {
		_, err := m.api.CreateAutoScalingGroup(ctx, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("create auto scaling group %s: %w", g.Name, err)
	}
	return nil
}

// ResizeAutoScalingGroup changes the size bounds of an existing group.
func (m *Manager) ResizeAutoScalingGroup(ctx context.Context, name string, minSize, maxSize int32) error {
	if minSize > maxSize {
		return fmt.Errorf("resize auto scaling group %s: min size %d exceeds max size %d", name, minSize, maxSize)
	}
	_, err := m.api.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(name),
		MinSize:              aws.Int32(minSize),
		MaxSize:              aws.Int32(maxSize),
	})
	if err != nil {
		return fmt.Errorf("resize auto scaling group %s: %w", name, err)
	}
	m.log.Info().Ctx(ctx).Str("name", name).Int32("min_size", minSize).Int32("max_size", maxSize).Msg("resized auto scaling group")
	return nil
}

// DeleteAutoScalingGroup deletes a group and terminates its instances.
func (m *Manager) DeleteAutoScalingGroup(ctx context.Context, name string) error {
	_, err := m.api.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(name),
		ForceDelete:          aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("delete auto scaling group %s: %w", name, err)
	}
	m.log.Info().Ctx(ctx).Str("name", name).Msg("deleted auto scaling group")
	return nil
}

func (m *Manager) policy(ctx context.Context, name string) retry.Policy {
	return retry.Policy{
		Name:      name,
		Delays:    retry.DefaultDelays,
		Window:    m.window,
		Retryable: retry.Inconsistent,
		Sleep:     m.sleep,
		Now:       m.now,
		OnRetry: func(name string, _ error, _ time.Duration) {
			m.recorder.RetryAttempted(ctx, name)
		},
	}
}

func (g Group) createInput() *autoscaling.CreateAutoScalingGroupInput {
	policy := &types.MixedInstancesPolicy{
		LaunchTemplate: &types.LaunchTemplate{
			LaunchTemplateSpecification: &types.LaunchTemplateSpecification{
				LaunchTemplateId: aws.String(g.LaunchTemplateID),
				Version:          aws.String(DefaultVersion),
			},
			Overrides: g.overrides(),
		},
	}
	if g.SpotBid > 0 {
		strategy := StrategyCapacityOptimized
		if g.Cheapest {
			strategy = StrategyLowestPrice
		}
		policy.InstancesDistribution = &types.InstancesDistribution{
			OnDemandBaseCapacity:                aws.Int32(0),
			OnDemandPercentageAboveBaseCapacity: aws.Int32(0),
			SpotAllocationStrategy:              aws.String(strategy),
			SpotMaxPrice:                        aws.String(strconv.FormatFloat(g.SpotBid, 'f', -1, 64)),
		}
	}

	in := &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(g.Name),
		MinSize:              aws.Int32(g.MinSize),
		MaxSize:              aws.Int32(g.MaxSize),
		MixedInstancesPolicy: policy,
		VPCZoneIdentifier:    aws.String(strings.Join(g.SubnetIDs, ",")),
	}
	if len(g.Tags) > 0 {
		in.Tags = g.groupTags()
	}
	return in
}

// overrides is nil without instance types so the template's own type is used.
func (g Group) overrides() []types.LaunchTemplateOverrides {
	if len(g.InstanceTypes) == 0 {
		return nil
	}
	return lo.Map(g.InstanceTypes, func(t string, _ int) types.LaunchTemplateOverrides {
		return types.LaunchTemplateOverrides{InstanceType: aws.String(t)}
	})
}

func (g Group) groupTags() []types.Tag {
	keys := slices.Sorted(maps.Keys(g.Tags))
	return lo.Map(keys, func(k string, _ int) types.Tag {
		return types.Tag{
			Key:               aws.String(k),
			Value:             aws.String(g.Tags[k]),
			ResourceId:        aws.String(g.Name),
			ResourceType:      aws.String("auto-scaling-group"),
			PropagateAtLaunch: aws.Bool(false),
		}
	})
}
