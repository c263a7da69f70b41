package main

import (
	"context"
	"fmt"
	"maps"

	"github.com/rs/zerolog/log"

	"github.com/w-gao/nodeforge/internal/bucket"
	"github.com/w-gao/nodeforge/internal/compute"
	"github.com/w-gao/nodeforge/internal/config"
	"github.com/w-gao/nodeforge/internal/fleet"
	"github.com/w-gao/nodeforge/internal/identity"
	"github.com/w-gao/nodeforge/internal/policy"
	"github.com/w-gao/nodeforge/internal/session"
	"github.com/w-gao/nodeforge/internal/telemetry"
)

// app holds everything a command needs, built once per invocation.
type app struct {
	cfg         *config.Config
	telemetry   *telemetry.Provider
	provisioner *compute.Provisioner
	fleet       *fleet.Manager
	identity    *identity.Cleaner
	buckets     *bucket.Manager
	policy      *policy.Engine
}

func newApp(ctx context.Context, c *config.Config) (*app, error) {
	tp, err := telemetry.NewProvider(ctx, c.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	awsCfg := c.AWS
	awsCfg.Region = c.Region()
	sdkCfg, err := session.Load(ctx, awsCfg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	clients := session.NewClients(sdkCfg)

	engine, err := policy.Load(ctx, c.Policy.Paths)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	metrics := tp.Metrics()
	a := &app{
		cfg:       c,
		telemetry: tp,
		provisioner: compute.New(clients.EC2, compute.Config{
			ShortWindow: c.Retry.ShortWindow,
			LongWindow:  c.Retry.LongWindow,
			Recorder:    metrics,
		}),
		fleet: fleet.New(clients.AutoScaling, fleet.Config{
			Window:   c.Retry.LongWindow,
			Recorder: metrics,
		}),
		identity: identity.NewCleaner(clients.IAM, nil),
		buckets:  bucket.NewManager(clients.S3, nil),
		policy:   engine,
	}

	log.Debug().Str("region", sdkCfg.Region).Msg("aws session ready")
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
}

// launchSpec starts from the configured launch defaults and applies the
// non-empty flag values on top.
func (a *app) launchSpec(f *launchFlags) (compute.Spec, map[string]string, error) {
	spec, err := a.cfg.Spec()
	if err != nil {
		return compute.Spec{}, nil, err
	}
	if f.imageID != "" {
		spec.ImageID = f.imageID
	}
	if f.instanceType != "" {
		spec.InstanceType = f.instanceType
	}
	if f.keyName != "" {
		spec.KeyName = f.keyName
	}
	if f.zone != "" {
		spec.AvailabilityZone = f.zone
	}
	if f.subnetID != "" {
		spec.SubnetID = f.subnetID
	}
	if len(f.securityGroups) > 0 {
		spec.SecurityGroupIDs = f.securityGroups
	}
	return spec, mergeTags(a.cfg.Launch.Tags, f.tags), nil
}

// mergeTags returns base overlaid with extra.
func mergeTags(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	tags := make(map[string]string, len(base)+len(extra))
	maps.Copy(tags, base)
	maps.Copy(tags, extra)
	return tags
}
