// Package retry implements the bounded retry loop every provisioning call
// goes through.
//
// A Policy is the whole contract: which errors are retried (Retryable), how
// long to wait between attempts (Delays, last one repeated) and how long the
// caller is willing to keep trying overall (Window). Errors the predicate
// rejects are returned on the spot without sleeping. Once the next sleep
// would cross the window, the last error is returned unchanged.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Windows used by the provisioning paths.
const (
	// ShortWindow covers visibility races right after a resource is created.
	ShortWindow = 50 * time.Second
	// LongWindow covers IAM propagation, which can take very long under load.
	LongWindow = time.Hour
)

// DefaultDelays is the ramp between attempts; the last entry repeats.
var DefaultDelays = []time.Duration{5 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second}

// Policy describes how a single remote call is retried.
type Policy struct {
	// Name labels the operation in logs and retry notifications.
	Name      string
	Delays    []time.Duration
	Window    time.Duration
	Retryable Predicate

	// OnRetry, if set, is called before every sleep.
	OnRetry func(name string, err error, delay time.Duration)

	// Sleep and Now default to real time. Tests replace them.
	Sleep func(context.Context, time.Duration) error
	Now   func() time.Time
}

// Short returns a policy over ShortWindow with the default delays.
func Short(name string, retryable Predicate) Policy {
	return Policy{Name: name, Delays: DefaultDelays, Window: ShortWindow, Retryable: retryable}
}

// Long returns a policy over LongWindow with the default delays.
func Long(name string, retryable Predicate) Policy {
	return Policy{Name: name, Delays: DefaultDelays, Window: LongWindow, Retryable: retryable}
}

// Do calls op until it succeeds or the policy gives up, and returns the
// result of the last attempt.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	delays := p.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}

	deadline := now().Add(p.Window)
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if p.Window <= 0 || p.Retryable == nil || !p.Retryable(err) {
			return result, err
		}

		delay := delays[min(attempt, len(delays)-1)]
		if !now().Add(delay).Before(deadline) {
			return result, err
		}

		log.Info().Ctx(ctx).
			Str("operation", p.Name).
			Str("code", ErrorCode(err)).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retryable error, trying again")
		if p.OnRetry != nil {
			p.OnRetry(p.Name, err, delay)
		}

		if serr := sleep(ctx, delay); serr != nil {
			return result, errors.Join(serr, err)
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
