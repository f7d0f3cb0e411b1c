package owlclaw

import "context"

// Evaluator is the extension point for custom visibility policy. Built-in
// evaluators (budget, time window, rate limit, circuit breaker) are always
// registered; evaluators added via WithEvaluator run alongside them in the
// same parallel fan-out, under the same per-evaluator timeout.
//
// Implementations must be safe for concurrent use: a single Filter call
// evaluates many capabilities in parallel. Returning an error fails open —
// the capability stays visible and the error is logged with the
// evaluator's name.
type Evaluator interface {
	// Name identifies the evaluator in logs and metrics.
	Name() string

	// Evaluate reports whether the capability should be visible to the
	// agent this cycle. Reason is surfaced in logs when visible is false.
	Evaluate(ctx context.Context, capability Capability, rctx RunContext) (visible bool, reason string, err error)
}
