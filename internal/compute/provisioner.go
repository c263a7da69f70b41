// Package compute provisions EC2 capacity: on-demand instances, spot
// requests and launch templates, plus the polling needed to follow them
// through their asynchronous state transitions.
//
// Nothing is cached. Every decision is made on what the last describe call
// returned, and every remote call goes through a retry.Policy.
package compute

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/w-gao/nodeforge/internal/retry"
)

// Market labels used when recording launches.
const (
	MarketOnDemand = "on-demand"
	MarketSpot     = "spot"
)

// Provisioner creates and tracks EC2 instances, spot requests and launch
// templates.
type Provisioner struct {
	api      EC2API
	log      zerolog.Logger
	recorder Recorder
	tracer   trace.Tracer

	shortWindow time.Duration
	longWindow  time.Duration

	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
	newToken func() string
}

// Config holds provisioner settings. Zero values select the defaults.
type Config struct {
	ShortWindow time.Duration
	LongWindow  time.Duration
	Logger      *zerolog.Logger
	Recorder    Recorder
}

// New creates a provisioner on top of an EC2 client.
func New(api EC2API, cfg Config) *Provisioner {
	p := &Provisioner{
		api:         api,
		log:         log.Logger.With().Str("component", "compute").Logger(),
		recorder:    nopRecorder{},
		tracer:      otel.Tracer("nodeforge/compute"),
		shortWindow: retry.ShortWindow,
		longWindow:  retry.LongWindow,
		sleep:       retry.Sleep,
		now:         time.Now,
		newToken:    uuid.NewString,
	}
	if cfg.ShortWindow > 0 {
		p.shortWindow = cfg.ShortWindow
	}
	if cfg.LongWindow > 0 {
		p.longWindow = cfg.LongWindow
	}
	if cfg.Logger != nil {
		p.log = *cfg.Logger
	}
	if cfg.Recorder != nil {
		p.recorder = cfg.Recorder
	}
	return p
}

func (p *Provisioner) shortRetry(ctx context.Context, name string, pred retry.Predicate) retry.Policy {
	return p.policy(ctx, name, p.shortWindow, pred)
}

func (p *Provisioner) longRetry(ctx context.Context, name string, pred retry.Predicate) retry.Policy {
	return p.policy(ctx, name, p.longWindow, pred)
}

func (p *Provisioner) policy(ctx context.Context, name string, window time.Duration, pred retry.Predicate) retry.Policy {
	return retry.Policy{
		Name:      name,
		Delays:    retry.DefaultDelays,
		Window:    window,
		Retryable: pred,
		Sleep:     p.sleep,
		Now:       p.now,
		OnRetry: func(name string, _ error, _ time.Duration) {
			p.recorder.RetryAttempted(ctx, name)
		},
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
