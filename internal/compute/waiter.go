package compute

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/w-gao/nodeforge/internal/retry"
)

// PollInterval is the pause between two state reads of a single resource.
const PollInterval = 5 * time.Second

// UnexpectedStateError reports a resource that settled in a state other than
// the one the caller waited for.
type UnexpectedStateError struct {
	Resource string
	Expected string
	Actual   string
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("expected state of %s to be '%s' but got '%s'", e.Resource, e.Expected, e.Actual)
}

// Transition describes a wait on one resource.
type Transition[T any] struct {
	// Resource names the resource in errors.
	Resource string
	From     []string
	To       string
	State    func(T) string
	// Refresh re-reads the resource. It is expected to retry on its own.
	Refresh func(context.Context, T) (T, error)

	Interval time.Duration
	Sleep    func(context.Context, time.Duration) error
}

// WaitTransition blocks while the resource is in one of tr.From and returns
// its final representation. A final state other than tr.To is an
// *UnexpectedStateError.
func WaitTransition[T any](ctx context.Context, resource T, tr Transition[T]) (T, error) {
	interval := tr.Interval
	if interval <= 0 {
		interval = PollInterval
	}
	sleep := tr.Sleep
	if sleep == nil {
		sleep = retry.Sleep
	}

	state := tr.State(resource)
	for slices.Contains(tr.From, state) {
		if err := sleep(ctx, interval); err != nil {
			return resource, err
		}
		next, err := tr.Refresh(ctx, resource)
		if err != nil {
			return resource, fmt.Errorf("refresh %s: %w", tr.Resource, err)
		}
		resource = next
		state = tr.State(resource)
	}

	if state != tr.To {
		return resource, &UnexpectedStateError{Resource: tr.Resource, Expected: tr.To, Actual: state}
	}
	return resource, nil
}

// WaitInstanceTransition waits for an instance to leave the from states and
// checks that it landed in to.
func (p *Provisioner) WaitInstanceTransition(ctx context.Context, inst types.Instance, from []types.InstanceStateName, to types.InstanceStateName) (types.Instance, error) {
	id := aws.ToString(inst.InstanceId)
	return WaitTransition(ctx, inst, Transition[types.Instance]{
		Resource: "instance " + id,
		From:     stateNames(from),
		To:       string(to),
		State:    instanceState,
		Refresh: func(ctx context.Context, _ types.Instance) (types.Instance, error) {
			instances, err := p.describeInstances(ctx, []string{id})
			if err != nil {
				return types.Instance{}, err
			}
			if len(instances) == 0 {
				return types.Instance{}, fmt.Errorf("instance %s not returned by describe", id)
			}
			return instances[0], nil
		},
		Sleep: p.sleep,
	})
}

func instanceState(inst types.Instance) string {
	if inst.State == nil {
		return ""
	}
	return string(inst.State.Name)
}

func stateNames(states []types.InstanceStateName) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
