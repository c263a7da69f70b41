package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when slept on.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) apply(p Policy) Policy {
	p.Now = c.Now
	p.Sleep = c.Sleep
	return p
}

func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	clock := newFakeClock()
	calls := 0

	got, err := Do(context.Background(), clock.apply(Short("test", NotFound)), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.slept)
}

func TestDo_NonMatchingErrorReturnsImmediately(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	want := apiError("UnauthorizedOperation", "you are not authorized")

	err := Run(context.Background(), clock.apply(Short("test", NotFound)), func(context.Context) error {
		calls++
		return want
	})

	require.Error(t, err)
	assert.Equal(t, want, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.slept)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	clock := newFakeClock()
	calls := 0

	got, err := Do(context.Background(), clock.apply(Long("RunInstances", Inconsistent)), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, apiError("InvalidParameterValue", "Value (nodes) for parameter iamInstanceProfile.name is invalid. Invalid IAM Instance Profile name")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, clock.slept)
}

func TestDo_GivesUpWhenWindowWouldBeExceeded(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	var last error

	err := Run(context.Background(), clock.apply(Short("DescribeInstances", NotFound)), func(context.Context) error {
		calls++
		last = apiError("InvalidInstanceID.NotFound", "attempt")
		return last
	})

	require.Error(t, err)
	assert.Same(t, last, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{
		5 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second,
	}, clock.slept)
}

func TestDo_ZeroWindowMeansSingleAttempt(t *testing.T) {
	clock := newFakeClock()
	calls := 0

	err := Run(context.Background(), clock.apply(Policy{Name: "once", Retryable: NotFound}), func(context.Context) error {
		calls++
		return apiError("InvalidInstanceID.NotFound", "gone")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Short("test", NotFound)
	p.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	err := Run(ctx, p, func(context.Context) error {
		return apiError("InvalidInstanceID.NotFound", "gone")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "InvalidInstanceID.NotFound", ErrorCode(err))
}

func TestDo_OnRetryNotified(t *testing.T) {
	clock := newFakeClock()
	var names []string
	p := clock.apply(Short("CreateTags", Code(CodeSpotRequestNotFound)))
	p.OnRetry = func(name string, _ error, _ time.Duration) {
		names = append(names, name)
	}
	calls := 0

	err := Run(context.Background(), p, func(context.Context) error {
		calls++
		if calls == 1 {
			return apiError(CodeSpotRequestNotFound, "not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"CreateTags"}, names)
}

func TestSleep_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
