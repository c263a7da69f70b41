// Package policy evaluates Rego admission rules against launch requests
// before anything is sent to AWS.
//
// Rules live in package nodeforge.launch and add messages to the deny set:
//
//	package nodeforge.launch
//
//	deny contains msg if {
//		not input.tags.owner
//		msg := "launches must carry an owner tag"
//	}
package policy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Query is the rule set every module contributes to.
const Query = "data.nodeforge.launch.deny"

// ErrDenied is returned when at least one rule denies a launch.
var ErrDenied = errors.New("launch denied by policy")

// Input is the document rules see as input.
type Input struct {
	Operation        string            `json:"operation"`
	Market           string            `json:"market,omitempty"`
	ImageID          string            `json:"image_id,omitempty"`
	InstanceType     string            `json:"instance_type,omitempty"`
	InstanceTypes    []string          `json:"instance_types,omitempty"`
	Count            int32             `json:"count"`
	AvailabilityZone string            `json:"availability_zone,omitempty"`
	SubnetIDs        []string          `json:"subnet_ids,omitempty"`
	SpotPrice        float64           `json:"spot_price,omitempty"`
	Tags             map[string]string `json:"tags"`
}

// Engine holds the prepared deny query. An engine without modules allows
// every launch.
type Engine struct {
	query  *rego.PreparedEvalQuery
	log    zerolog.Logger
	tracer trace.Tracer
}

// New compiles the given modules, keyed by file name.
func New(ctx context.Context, modules map[string]string) (*Engine, error) {
	e := &Engine{
		log:    log.Logger.With().Str("component", "policy").Logger(),
		tracer: otel.Tracer("nodeforge/policy"),
	}
	if len(modules) == 0 {
		return e, nil
	}

	opts := []func(*rego.Rego){rego.Query(Query)}
	for _, name := range slices.Sorted(maps.Keys(modules)) {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policies: %w", err)
	}
	e.query = &prepared

	e.log.Info().Ctx(ctx).Int("modules", len(modules)).Msg("policies loaded")
	return e, nil
}

// Load reads every .rego file under paths, which may be files or
// directories, and compiles them.
func Load(ctx context.Context, paths []string) (*Engine, error) {
	modules := make(map[string]string)
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".rego") {
				return nil
			}
			content, err := os.ReadFile(filepath.Clean(path))
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			modules[path] = string(content)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}
	return New(ctx, modules)
}

// Check evaluates the rules against in. Deny messages are joined into the
// returned error, which wraps ErrDenied.
func (e *Engine) Check(ctx context.Context, in Input) error {
	if e == nil || e.query == nil {
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "policy.check",
		trace.WithAttributes(attribute.String("launch.operation", in.Operation)))
	defer span.End()

	if in.Tags == nil {
		in.Tags = map[string]string{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return fmt.Errorf("failed to evaluate policies: %w", err)
	}

	reasons := denyMessages(results)
	span.SetAttributes(attribute.Int("policy.denials", len(reasons)))
	if len(reasons) == 0 {
		return nil
	}

	e.log.Warn().Ctx(ctx).
		Str("operation", in.Operation).
		Strs("reasons", reasons).
		Msg("launch denied by policy")
	return fmt.Errorf("%w: %s", ErrDenied, strings.Join(reasons, "; "))
}

func denyMessages(results rego.ResultSet) []string {
	var reasons []string
	for _, r := range results {
		for _, expr := range r.Expressions {
			values, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range values {
				reasons = append(reasons, fmt.Sprint(v))
			}
		}
	}
	slices.Sort(reasons)
	return reasons
}
