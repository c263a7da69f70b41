package compute

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/w-gao/nodeforge/internal/retry"
)

// Bounds of the pause between two describe calls in WaitInstancesRunning.
const (
	minPendingWait = 5 * time.Second
	maxPendingWait = 50 * time.Second
)

// CreateOnDemandInstances launches count instances of spec and returns them
// as soon as EC2 acknowledges the launch. It does not wait for them to run.
//
// Launches that reference a freshly created instance profile or security
// group are retried for up to the long window, since IAM propagation can
// lag far behind the call that created them.
func (p *Provisioner) CreateOnDemandInstances(ctx context.Context, spec Spec, count int32) ([]types.Instance, error) {
	return p.CreateInstances(ctx, spec, count, nil)
}

// CreateInstances is CreateOnDemandInstances with tags applied to the
// instances and their volumes at launch.
func (p *Provisioner) CreateInstances(ctx context.Context, spec Spec, count int32, tags map[string]string) (_ []types.Instance, err error) {
	if err := validateCount(count); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "compute.create_instances", trace.WithAttributes(
		attribute.String("instance.type", spec.InstanceType),
		attribute.Int("instance.count", int(count)),
	))
	defer func() { endSpan(span, err) }()

	p.log.Info().Ctx(ctx).
		Str("instance_type", spec.InstanceType).
		Int32("count", count).
		Msg("creating instances")

	in := spec.runInstancesInput(count, tags)
	// One token for every attempt: a retried launch never starts a second batch.
	in.ClientToken = aws.String(p.newToken())

	out, err := retry.Do(ctx, p.longRetry(ctx, "RunInstances", retry.Inconsistent),
		func(ctx context.Context) (*ec2.RunInstancesOutput, error) {
			return p.api.RunInstances(ctx, in)
		})
	if err != nil {
		return nil, fmt.Errorf("run instances: %w", err)
	}

	p.recorder.InstancesLaunched(ctx, MarketOnDemand, len(out.Instances))
	return out.Instances, nil
}

// WaitInstancesRunning yields every instance of the batch once it has left
// the pending state, running or otherwise.
//
// The sequence is finite and side-effecting: advancing it sleeps and calls
// DescribeInstances for the instances still pending. Ranging over it again
// starts over from the original batch. An error ends the sequence.
func (p *Provisioner) WaitInstancesRunning(ctx context.Context, instances []types.Instance) iter.Seq2[types.Instance, error] {
	return func(yield func(types.Instance, error) bool) {
		runningIDs := make(map[string]struct{})
		otherIDs := make(map[string]struct{})
		batch := instances

		for {
			var pendingIDs []string
			for _, inst := range batch {
				id := aws.ToString(inst.InstanceId)
				if _, seen := runningIDs[id]; seen {
					yield(types.Instance{}, fmt.Errorf("instance %s reported again after it was running", id))
					return
				}
				if _, seen := otherIDs[id]; seen {
					yield(types.Instance{}, fmt.Errorf("instance %s reported again after it left pending", id))
					return
				}

				switch types.InstanceStateName(instanceState(inst)) {
				case types.InstanceStateNamePending:
					pendingIDs = append(pendingIDs, id)
					continue
				case types.InstanceStateNameRunning:
					runningIDs[id] = struct{}{}
				default:
					otherIDs[id] = struct{}{}
				}
				if !yield(inst, nil) {
					return
				}
			}

			p.log.Info().Ctx(ctx).
				Int("pending", len(pendingIDs)).
				Int("running", len(runningIDs)).
				Int("other", len(otherIDs)).
				Msg("waiting for instances")
			if len(pendingIDs) == 0 {
				return
			}

			wait := min(max(time.Duration(len(pendingIDs))*time.Second, minPendingWait), maxPendingWait)
			p.log.Debug().Ctx(ctx).Dur("sleep", wait).Msg("sleeping before next describe")
			if err := p.sleep(ctx, wait); err != nil {
				yield(types.Instance{}, err)
				return
			}

			var err error
			batch, err = p.describeInstances(ctx, pendingIDs)
			if err != nil {
				yield(types.Instance{}, err)
				return
			}
		}
	}
}

// TerminateInstances terminates the given instances. Instances that no longer
// exist are not an error.
func (p *Provisioner) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil && retry.ErrorCode(err) != retry.CodeInstanceNotFound {
		return fmt.Errorf("terminate instances: %w", err)
	}
	p.log.Info().Ctx(ctx).Strs("instance_ids", ids).Msg("terminated instances")
	return nil
}

// describeInstances fetches the given instances, retrying while they are not
// visible yet.
func (p *Provisioner) describeInstances(ctx context.Context, ids []string) ([]types.Instance, error) {
	instances, err := retry.Do(ctx, p.shortRetry(ctx, "DescribeInstances", retry.NotFound),
		func(ctx context.Context) ([]types.Instance, error) {
			var (
				instances []types.Instance
				token     *string
			)
			for {
				out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
					InstanceIds: ids,
					NextToken:   token,
				})
				if err != nil {
					return nil, err
				}
				for _, r := range out.Reservations {
					instances = append(instances, r.Instances...)
				}
				if aws.ToString(out.NextToken) == "" {
					return instances, nil
				}
				token = out.NextToken
			}
		})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}
	return instances, nil
}
