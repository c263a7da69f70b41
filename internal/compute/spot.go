package compute

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/w-gao/nodeforge/internal/retry"
)

const (
	// SpotPollInterval is the pause between two spot request describes.
	SpotPollInterval = 2 * PollInterval

	statusPendingEvaluation  = "pending-evaluation"
	statusPendingFulfillment = "pending-fulfillment"

	// cleanupTimeout bounds cancellation that runs after the caller's
	// context is already gone.
	cleanupTimeout = 30 * time.Second
)

var (
	// ErrNoActiveSpotRequests is returned when none of the spot requests
	// of a non-tentative launch was fulfilled.
	ErrNoActiveSpotRequests = errors.New("none of the spot requests entered the active state")

	// ErrSequenceConsumed is returned when a single-pass sequence is ranged
	// over a second time.
	ErrSequenceConsumed = errors.New("spot sequence already consumed")
)

// SpotRequest describes a batch of spot instances to request.
type SpotRequest struct {
	// Price is the maximum hourly price in dollars.
	Price float64
	Spec  Spec
	Count int32
	// Timeout bounds how long to wait for fulfillment. Zero waits until no
	// request is open anymore.
	Timeout time.Duration
	// Tentative gives up on requests at the first sign that they will not
	// be fulfilled soon, and makes an empty result acceptable.
	Tentative bool
	Tags      map[string]string
}

// CreateSpotInstances requests spot instances and yields them in batches as
// their requests become active.
//
// The sequence is single-pass and does all of the work: the spot requests
// are only placed when ranging starts, and every step may sleep, describe
// and, on exit, cancel requests that are still open. Stopping early cancels
// the open requests as well. A second range yields ErrSequenceConsumed.
func (p *Provisioner) CreateSpotInstances(ctx context.Context, req SpotRequest) iter.Seq2[[]types.Instance, error] {
	var consumed atomic.Bool
	return func(yield func([]types.Instance, error) bool) {
		if consumed.Swap(true) {
			yield(nil, ErrSequenceConsumed)
			return
		}
		p.createSpotInstances(ctx, req, yield)
	}
}

func (p *Provisioner) createSpotInstances(ctx context.Context, req SpotRequest, yield func([]types.Instance, error) bool) {
	var err error
	ctx, span := p.tracer.Start(ctx, "compute.create_spot_instances", trace.WithAttributes(
		attribute.String("instance.type", req.Spec.InstanceType),
		attribute.Int("instance.count", int(req.Count)),
		attribute.Bool("spot.tentative", req.Tentative),
	))
	defer func() { endSpan(span, err) }()

	fail := func(e error) {
		err = e
		yield(nil, e)
	}

	if err := validateCount(req.Count); err != nil {
		fail(err)
		return
	}
	if err := req.Spec.Validate(); err != nil {
		fail(err)
		return
	}

	requests, err := p.requestSpotInstances(ctx, req)
	if err != nil {
		fail(err)
		return
	}

	if len(req.Tags) > 0 {
		if err := p.tagSpotRequests(ctx, requests, req.Tags); err != nil {
			p.cancelBestEffort(ctx, spotRequestIDs(requests), "tagging failed")
			fail(err)
			return
		}
	}

	var numActive, numOther int
	for batch, werr := range p.WaitSpotRequestsActive(ctx, requests, req.Timeout, req.Tentative) {
		if werr != nil {
			fail(werr)
			return
		}

		var instanceIDs []string
		for _, r := range batch {
			if r.State == types.SpotInstanceStateActive {
				instanceIDs = append(instanceIDs, aws.ToString(r.InstanceId))
				numActive++
				continue
			}
			p.log.Info().Ctx(ctx).
				Str("request_id", aws.ToString(r.SpotInstanceRequestId)).
				Str("state", string(r.State)).
				Msg("spot request in unexpected state")
			numOther++
		}
		if len(instanceIDs) == 0 {
			continue
		}

		// One describe per batch, not per request.
		instances, derr := p.describeInstances(ctx, instanceIDs)
		if derr != nil {
			fail(derr)
			return
		}
		p.recorder.InstancesLaunched(ctx, MarketSpot, len(instances))
		if !yield(instances, nil) {
			return
		}
	}

	p.recorder.SpotRequestsSettled(ctx, string(types.SpotInstanceStateActive), numActive)
	p.recorder.SpotRequestsSettled(ctx, "other", numOther)

	if numActive == 0 {
		if !req.Tentative {
			fail(ErrNoActiveSpotRequests)
			return
		}
		p.log.Warn().Ctx(ctx).Msg("none of the spot requests entered the active state")
	}
	if numOther > 0 {
		p.log.Warn().Ctx(ctx).Int("count", numOther).Msg("spot requests entered a state other than active")
	}
}

func (p *Provisioner) requestSpotInstances(ctx context.Context, req SpotRequest) ([]types.SpotInstanceRequest, error) {
	p.log.Info().Ctx(ctx).
		Str("instance_type", req.Spec.InstanceType).
		Int32("count", req.Count).
		Float64("price", req.Price).
		Msg("requesting spot instances")

	in := &ec2.RequestSpotInstancesInput{
		SpotPrice:           aws.String(formatPrice(req.Price)),
		InstanceCount:       aws.Int32(req.Count),
		LaunchSpecification: req.Spec.spotLaunchSpecification(),
		ClientToken:         aws.String(p.newToken()),
	}
	out, err := retry.Do(ctx, p.longRetry(ctx, "RequestSpotInstances", retry.Inconsistent),
		func(ctx context.Context) (*ec2.RequestSpotInstancesOutput, error) {
			return p.api.RequestSpotInstances(ctx, in)
		})
	if err != nil {
		return nil, fmt.Errorf("request spot instances: %w", err)
	}
	return out.SpotInstanceRequests, nil
}

// tagSpotRequests tags each request on its own; a request can be invisible
// to CreateTags for a moment after it was placed.
func (p *Provisioner) tagSpotRequests(ctx context.Context, requests []types.SpotInstanceRequest, tags map[string]string) error {
	for _, id := range spotRequestIDs(requests) {
		err := retry.Run(ctx, p.shortRetry(ctx, "CreateTags", retry.Code(retry.CodeSpotRequestNotFound)),
			func(ctx context.Context) error {
				_, err := p.api.CreateTags(ctx, &ec2.CreateTagsInput{
					Resources: []string{id},
					Tags:      ec2Tags(tags),
				})
				return err
			})
		if err != nil {
			return fmt.Errorf("tag spot request %s: %w", id, err)
		}
	}
	return nil
}

// WaitSpotRequestsActive follows spot requests until none is open, and yields
// each request once, in the poll where it stopped being open.
//
// Waiting ends early when timeout (if non-zero) would expire before the next
// poll, or when tentative is set and no open request is pending evaluation or
// fulfillment. Requests still open at that point are cancelled and a failed
// cancellation ends the sequence with an error. If the sequence ends because
// of an error, because the consumer stopped, or because the consumer
// panicked, open requests are cancelled on a best-effort basis instead and
// the original error or panic is what the caller sees.
func (p *Provisioner) WaitSpotRequestsActive(ctx context.Context, requests []types.SpotInstanceRequest, timeout time.Duration, tentative bool) iter.Seq2[[]types.SpotInstanceRequest, error] {
	return func(yield func([]types.SpotInstanceRequest, error) bool) {
		t := &spotTracker{
			p:         p,
			activeIDs: make(map[string]struct{}),
			otherIDs:  make(map[string]struct{}),
		}
		t.run(ctx, requests, timeout, tentative, yield)
	}
}

// spotTracker holds the bookkeeping of one WaitSpotRequestsActive run.
type spotTracker struct {
	p         *Provisioner
	activeIDs map[string]struct{}
	otherIDs  map[string]struct{}
	openIDs   []string

	// cancelled guards the two cleanup paths so only one of them runs.
	cancelled bool
}

func (t *spotTracker) run(ctx context.Context, requests []types.SpotInstanceRequest, timeout time.Duration, tentative bool, yield func([]types.SpotInstanceRequest, error) bool) {
	log := t.p.log
	var deadline time.Time
	if timeout > 0 {
		deadline = t.p.now().Add(timeout)
	}

	defer func() {
		// Reached with the guard unset only when the consumer's loop body
		// panicked out of yield.
		if !t.cancelled {
			t.abort(ctx, "aborted")
		}
	}()

	for {
		var openIDs, evalIDs, fulfillIDs []string
		var batch []types.SpotInstanceRequest

		for _, r := range requests {
			id := aws.ToString(r.SpotInstanceRequestId)
			if err := t.checkUnseen(id); err != nil {
				t.abort(ctx, "error")
				yield(nil, err)
				return
			}

			switch r.State {
			case types.SpotInstanceStateOpen:
				openIDs = append(openIDs, id)
				code := spotStatusCode(r)
				switch code {
				case statusPendingEvaluation:
					evalIDs = append(evalIDs, id)
				case statusPendingFulfillment:
					fulfillIDs = append(fulfillIDs, id)
				default:
					log.Info().Ctx(ctx).
						Str("request_id", id).
						Str("status", code).
						Msg("spot request status indicates it will not be fulfilled anytime soon")
				}
			case types.SpotInstanceStateActive:
				t.activeIDs[id] = struct{}{}
				batch = append(batch, r)
			default:
				t.otherIDs[id] = struct{}{}
				batch = append(batch, r)
			}
		}

		// Until here a failure cancels what the previous poll saw open.
		t.openIDs = openIDs

		if len(batch) > 0 && !yield(batch, nil) {
			t.abort(ctx, "abandoned")
			return
		}

		log.Info().Ctx(ctx).
			Int("open", len(t.openIDs)).
			Int("pending_evaluation", len(evalIDs)).
			Int("pending_fulfillment", len(fulfillIDs)).
			Int("active", len(t.activeIDs)).
			Int("other", len(t.otherIDs)).
			Msg("spot request status")

		if len(t.openIDs) == 0 || tentative && len(evalIDs) == 0 && len(fulfillIDs) == 0 {
			break
		}

		if !deadline.IsZero() && !t.p.now().Add(SpotPollInterval).Before(deadline) {
			log.Warn().Ctx(ctx).Msg("timed out waiting for spot requests")
			break
		}

		log.Debug().Ctx(ctx).Dur("sleep", SpotPollInterval).Msg("sleeping before next describe")
		if err := t.p.sleep(ctx, SpotPollInterval); err != nil {
			t.abort(ctx, "error")
			yield(nil, err)
			return
		}

		var err error
		requests, err = t.p.describeSpotRequests(ctx, t.openIDs)
		if err != nil {
			t.abort(ctx, "error")
			yield(nil, err)
			return
		}
	}

	if err := t.finish(ctx); err != nil {
		yield(nil, err)
	}
}

func (t *spotTracker) checkUnseen(id string) error {
	if _, seen := t.activeIDs[id]; seen {
		return fmt.Errorf("spot request %s reported again after it became active", id)
	}
	if _, seen := t.otherIDs[id]; seen {
		return fmt.Errorf("spot request %s reported again after it left the open state", id)
	}
	return nil
}

// finish cancels the requests still open after a regular exit. A failure
// here is the sequence's error.
func (t *spotTracker) finish(ctx context.Context) error {
	t.cancelled = true
	if len(t.openIDs) == 0 {
		return nil
	}
	return t.p.cancelSpotRequests(ctx, t.openIDs, "wait ended")
}

// abort cancels the requests still open while something else is already
// going wrong. Its own failure is only logged.
func (t *spotTracker) abort(ctx context.Context, reason string) {
	t.cancelled = true
	if len(t.openIDs) == 0 {
		return
	}
	t.p.cancelBestEffort(ctx, t.openIDs, reason)
}

func (p *Provisioner) cancelSpotRequests(ctx context.Context, ids []string, reason string) error {
	p.log.Warn().Ctx(ctx).Int("count", len(ids)).Str("reason", reason).Msg("cancelling remaining spot requests")
	_, err := p.api.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: ids,
	})
	if err != nil {
		return fmt.Errorf("cancel spot requests: %w", err)
	}
	p.recorder.SpotRequestsCancelled(ctx, reason, len(ids))
	return nil
}

// cancelBestEffort cancels on a context that survives the caller's
// cancellation and never returns an error.
func (p *Provisioner) cancelBestEffort(ctx context.Context, ids []string, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := p.cancelSpotRequests(ctx, ids, reason); err != nil {
		p.log.Error().Ctx(ctx).Err(err).Strs("request_ids", ids).Msg("failed to cancel spot requests during cleanup")
	}
}

func (p *Provisioner) describeSpotRequests(ctx context.Context, ids []string) ([]types.SpotInstanceRequest, error) {
	out, err := retry.Do(ctx, p.shortRetry(ctx, "DescribeSpotInstanceRequests", retry.Code(retry.CodeSpotRequestNotFound)),
		func(ctx context.Context) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
			return p.api.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
				SpotInstanceRequestIds: ids,
			})
		})
	if err != nil {
		return nil, fmt.Errorf("describe spot requests: %w", err)
	}
	return out.SpotInstanceRequests, nil
}

func spotStatusCode(r types.SpotInstanceRequest) string {
	if r.Status == nil {
		return ""
	}
	return aws.ToString(r.Status.Code)
}

func spotRequestIDs(requests []types.SpotInstanceRequest) []string {
	return lo.Map(requests, func(r types.SpotInstanceRequest, _ int) string {
		return aws.ToString(r.SpotInstanceRequestId)
	})
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}
