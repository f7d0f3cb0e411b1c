// Package visibility decides, per agent cycle, which capabilities the agent
// is allowed to see. A Filter fans out a fixed, ordered set of constraint
// evaluators over every capability in parallel; a capability survives only
// if every evaluator says it is visible. Evaluator errors and timeouts fail
// open so a governance hiccup never halts the agent.
package visibility

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/yeemio/owlclaw/internal/model"
	"github.com/yeemio/owlclaw/internal/telemetry"
)

// DefaultEvaluatorTimeout bounds a single evaluator call.
const DefaultEvaluatorTimeout = 100 * time.Millisecond

// Evaluator is a single policy unit answering "is this capability visible
// to this agent right now?". Implementations must be safe for concurrent
// use: one Filter call invokes the same evaluator for many capabilities in
// parallel, across overlapping cycles.
//
// Returning an error is always fail-open: the filter treats the capability
// as visible and logs the evaluator's identity. Evaluators should hide a
// capability only through an explicit FilterResult.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, capability model.Capability, rctx model.RunContext) (model.FilterResult, error)
}

// Filter orchestrates the evaluator fan-out. The evaluator list is fixed at
// construction and never mutated, so Filter needs no locking of its own.
type Filter struct {
	evaluators []Evaluator
	timeout    time.Duration
	logger     *slog.Logger

	failOpen metric.Int64Counter
	hidden   metric.Int64Counter
}

// NewFilter creates a filter over the given evaluators. timeout bounds each
// individual evaluator call; <= 0 uses DefaultEvaluatorTimeout.
func NewFilter(logger *slog.Logger, timeout time.Duration, evaluators ...Evaluator) *Filter {
	if timeout <= 0 {
		timeout = DefaultEvaluatorTimeout
	}
	meter := telemetry.Meter("owlclaw/visibility")
	failOpen, _ := meter.Int64Counter("owlclaw.visibility.fail_open_total",
		metric.WithDescription("Evaluator errors and timeouts resolved as visible"))
	hidden, _ := meter.Int64Counter("owlclaw.visibility.hidden_total",
		metric.WithDescription("Capabilities hidden by an evaluator verdict"))
	return &Filter{
		evaluators: evaluators,
		timeout:    timeout,
		logger:     logger,
		failOpen:   failOpen,
		hidden:     hidden,
	}
}

// Filter returns the subset of capabilities every evaluator permits, in the
// input's order. The input slice is never mutated. The call is bounded by
// the per-evaluator timeout regardless of evaluator count: all evaluators
// for all capabilities run concurrently.
func (f *Filter) Filter(ctx context.Context, capabilities []model.Capability, rctx model.RunContext) []model.Capability {
	if len(capabilities) == 0 || len(f.evaluators) == 0 {
		out := make([]model.Capability, len(capabilities))
		copy(out, capabilities)
		return out
	}

	visible := make([]bool, len(capabilities))
	var g errgroup.Group
	for i := range capabilities {
		i := i
		g.Go(func() error {
			visible[i] = f.evaluateCapability(ctx, capabilities[i], rctx)
			return nil
		})
	}
	_ = g.Wait() // branches never return errors; verdicts land in visible

	out := make([]model.Capability, 0, len(capabilities))
	for i, cap := range capabilities {
		if visible[i] {
			out = append(out, cap)
		}
	}
	return out
}

// evaluateCapability runs every evaluator for one capability concurrently
// and joins the verdicts. Hidden wins over visible; error or timeout counts
// as visible (fail-open).
func (f *Filter) evaluateCapability(ctx context.Context, capability model.Capability, rctx model.RunContext) bool {
	type verdict struct {
		result model.FilterResult
		err    error
	}

	verdicts := make([]verdict, len(f.evaluators))
	var g errgroup.Group
	for i, ev := range f.evaluators {
		g.Go(func() error {
			ectx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			// Run the evaluator in its own goroutine so a misbehaving
			// implementation that ignores its context cannot stall the
			// whole filter call past the timeout.
			done := make(chan verdict, 1)
			go func() {
				res, err := ev.Evaluate(ectx, capability, rctx)
				done <- verdict{result: res, err: err}
			}()

			select {
			case v := <-done:
				verdicts[i] = v
			case <-ectx.Done():
				verdicts[i] = verdict{err: ectx.Err()}
			}
			return nil
		})
	}
	_ = g.Wait()

	allVisible := true
	for i, v := range verdicts {
		name := f.evaluators[i].Name()
		switch {
		case v.err != nil:
			// Fail-open: an evaluator fault must not hide work from the
			// agent, but it must be observable.
			f.failOpen.Add(ctx, 1, metric.WithAttributes(attribute.String("evaluator", name)))
			f.logger.Warn("visibility: evaluator failed open",
				"evaluator", name,
				"capability", capability.Name,
				"agent_id", rctx.AgentID,
				"tenant_id", rctx.TenantID,
				"error", v.err,
			)
		case !v.result.Visible:
			allVisible = false
			f.hidden.Add(ctx, 1, metric.WithAttributes(attribute.String("evaluator", name)))
			f.logger.Debug("visibility: capability hidden",
				"evaluator", name,
				"capability", capability.Name,
				"agent_id", rctx.AgentID,
				"reason", v.result.Reason,
			)
		}
	}
	return allVisible
}
