package compute

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// mockEC2Client implements EC2API for testing.
type mockEC2Client struct {
	runInstancesFunc         func(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	describeInstancesFunc    func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	terminateInstancesFunc   func(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	createTagsFunc           func(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	requestSpotFunc          func(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error)
	describeSpotFunc         func(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	cancelSpotFunc           func(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error)
	createLaunchTemplateFunc func(ctx context.Context, params *ec2.CreateLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error)
	deleteLaunchTemplateFunc func(ctx context.Context, params *ec2.DeleteLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error)

	mu       sync.Mutex
	calls    map[string]int
	canceled [][]string
}

func (m *mockEC2Client) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
}

func (m *mockEC2Client) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockEC2Client) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.record("RunInstances")
	if m.runInstancesFunc != nil {
		return m.runInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.RunInstancesOutput{}, nil
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.record("DescribeInstances")
	if m.describeInstancesFunc != nil {
		return m.describeInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (m *mockEC2Client) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.record("TerminateInstances")
	if m.terminateInstancesFunc != nil {
		return m.terminateInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEC2Client) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	m.record("CreateTags")
	if m.createTagsFunc != nil {
		return m.createTagsFunc(ctx, params, optFns...)
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (m *mockEC2Client) RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	m.record("RequestSpotInstances")
	if m.requestSpotFunc != nil {
		return m.requestSpotFunc(ctx, params, optFns...)
	}
	return &ec2.RequestSpotInstancesOutput{}, nil
}

func (m *mockEC2Client) DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	m.record("DescribeSpotInstanceRequests")
	if m.describeSpotFunc != nil {
		return m.describeSpotFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeSpotInstanceRequestsOutput{}, nil
}

func (m *mockEC2Client) CancelSpotInstanceRequests(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	m.record("CancelSpotInstanceRequests")
	m.mu.Lock()
	m.canceled = append(m.canceled, append([]string(nil), params.SpotInstanceRequestIds...))
	m.mu.Unlock()
	if m.cancelSpotFunc != nil {
		return m.cancelSpotFunc(ctx, params, optFns...)
	}
	return &ec2.CancelSpotInstanceRequestsOutput{}, nil
}

func (m *mockEC2Client) CreateLaunchTemplate(ctx context.Context, params *ec2.CreateLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	m.record("CreateLaunchTemplate")
	if m.createLaunchTemplateFunc != nil {
		return m.createLaunchTemplateFunc(ctx, params, optFns...)
	}
	return &ec2.CreateLaunchTemplateOutput{}, nil
}

func (m *mockEC2Client) DeleteLaunchTemplate(ctx context.Context, params *ec2.DeleteLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error) {
	m.record("DeleteLaunchTemplate")
	if m.deleteLaunchTemplateFunc != nil {
		return m.deleteLaunchTemplateFunc(ctx, params, optFns...)
	}
	return &ec2.DeleteLaunchTemplateOutput{}, nil
}

// fakeClock advances only when slept on.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

// countingRecorder implements Recorder for testing.
type countingRecorder struct {
	launched  map[string]int
	settled   map[string]int
	cancelled map[string]int
	retries   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		launched:  make(map[string]int),
		settled:   make(map[string]int),
		cancelled: make(map[string]int),
		retries:   make(map[string]int),
	}
}

func (r *countingRecorder) InstancesLaunched(_ context.Context, market string, n int) {
	r.launched[market] += n
}

func (r *countingRecorder) SpotRequestsSettled(_ context.Context, state string, n int) {
	r.settled[state] += n
}

func (r *countingRecorder) SpotRequestsCancelled(_ context.Context, reason string, n int) {
	r.cancelled[reason] += n
}

func (r *countingRecorder) RetryAttempted(_ context.Context, op string) {
	r.retries[op]++
}

type testEnv struct {
	p        *Provisioner
	api      *mockEC2Client
	clock    *fakeClock
	logs     *bytes.Buffer
	recorder *countingRecorder
}

func newTestEnv(api *mockEC2Client) *testEnv {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	logs := &bytes.Buffer{}
	logger := zerolog.New(logs)
	recorder := newCountingRecorder()

	p := New(api, Config{Logger: &logger, Recorder: recorder})
	p.sleep = clock.Sleep
	p.now = clock.Now
	p.newToken = func() string { return "token-1" }

	return &testEnv{p: p, api: api, clock: clock, logs: logs, recorder: recorder}
}

func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func newInstance(id string, state types.InstanceStateName) types.Instance {
	return types.Instance{
		InstanceId:   aws.String(id),
		InstanceType: types.InstanceTypeT3Micro,
		State:        &types.InstanceState{Name: state},
	}
}

func newSpotRequest(id string, state types.SpotInstanceState, status, instanceID string) types.SpotInstanceRequest {
	r := types.SpotInstanceRequest{
		SpotInstanceRequestId: aws.String(id),
		State:                 state,
		Status:                &types.SpotInstanceStatus{Code: aws.String(status)},
	}
	if instanceID != "" {
		r.InstanceId = aws.String(instanceID)
	}
	return r
}

func describeOutput(instances ...types.Instance) *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: instances}},
	}
}
