package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/w-gao/nodeforge/internal/retry"
)

// ErrEmptyTemplateName is returned when a launch template has no name.
var ErrEmptyTemplateName = errors.New("launch template name is required")

// CreateLaunchTemplate creates a launch template named name for spec and
// returns its ID. Tags, if any, go on the template, its instances and their
// volumes. Only the first (default) version of a template is ever created.
func (p *Provisioner) CreateLaunchTemplate(ctx context.Context, name string, spec Spec, tags map[string]string) (_ string, err error) {
	if name == "" {
		return "", ErrEmptyTemplateName
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}

	ctx, span := p.tracer.Start(ctx, "compute.create_launch_template", trace.WithAttributes(
		attribute.String("launch_template.name", name),
		attribute.String("instance.type", spec.InstanceType),
	))
	defer func() { endSpan(span, err) }()

	p.log.Info().Ctx(ctx).
		Str("name", name).
		Str("instance_type", spec.InstanceType).
		Msg("creating launch template")

	in := &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
		LaunchTemplateData: spec.launchTemplateData(tags),
		ClientToken:        aws.String(p.newToken()),
	}
	if len(tags) > 0 {
		in.TagSpecifications = tagSpecifications(tags, types.ResourceTypeLaunchTemplate)
	}

	out, err := retry.Do(ctx, p.longRetry(ctx, "CreateLaunchTemplate", retry.Inconsistent),
		func(ctx context.Context) (*ec2.CreateLaunchTemplateOutput, error) {
			return p.api.CreateLaunchTemplate(ctx, in)
		})
	if err != nil {
		return "", fmt.Errorf("create launch template %s: %w", name, err)
	}
	if out.LaunchTemplate == nil {
		return "", fmt.Errorf("create launch template %s: no template in response", name)
	}

	id := aws.ToString(out.LaunchTemplate.LaunchTemplateId)
	p.log.Info().Ctx(ctx).Str("name", name).Str("launch_template_id", id).Msg("created launch template")
	return id, nil
}

// DeleteLaunchTemplate deletes a launch template by ID. A template that is
// already gone is not an error.
func (p *Provisioner) DeleteLaunchTemplate(ctx context.Context, id string) error {
	_, err := p.api.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{LaunchTemplateId: aws.String(id)})
	if err != nil {
		if retry.ErrorCode(err) == retry.CodeLaunchTemplateNotFound {
			p.log.Debug().Ctx(ctx).Str("launch_template_id", id).Msg("launch template already deleted")
			return nil
		}
		return fmt.Errorf("delete launch template %s: %w", id, err)
	}
	p.log.Info().Ctx(ctx).Str("launch_template_id", id).Msg("deleted launch template")
	return nil
}
