// Package router chooses the language model servicing an agent cycle and
// walks the configured fallback chain when a model call fails.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yeemio/owlclaw/internal/config"
	"github.com/yeemio/owlclaw/internal/model"
	"github.com/yeemio/owlclaw/internal/telemetry"
)

// ErrNoModelAvailable signals an exhausted fallback chain. This is the one
// governance error that is not swallowed: the caller must surface a hard
// failure rather than keep running with no usable model.
var ErrNoModelAvailable = errors.New("router: no model available, fallback chain exhausted")

// DegradationLedger receives a durable record of each model substitution.
type DegradationLedger interface {
	Record(rec model.LedgerRecord)
}

// fallbackCapability names the synthetic ledger rows recording model
// degradations, so audit tooling can query them like any capability.
const fallbackCapability = "model.fallback"

// Router selects models from the active policy snapshot. It holds no
// execution state between calls: selection is a pure function of the
// policy and its inputs, which keeps hot reload a simple snapshot swap.
type Router struct {
	policy func() *config.Policy
	ledger DegradationLedger // nil disables degradation records
	logger *slog.Logger

	fallbacks metric.Int64Counter
}

// New creates a Router reading policy snapshots from the given accessor.
func New(policy func() *config.Policy, ledger DegradationLedger, logger *slog.Logger) *Router {
	fallbacks, _ := telemetry.Meter("owlclaw/router").Int64Counter(
		"owlclaw.router.fallback_total",
		metric.WithDescription("Model substitutions due to call failures"))
	return &Router{policy: policy, ledger: ledger, logger: logger, fallbacks: fallbacks}
}

// SelectModel returns the model plus ordered fallback chain for a task
// type. The first matching rule wins; no match falls back to the default
// model with an empty chain.
func (r *Router) SelectModel(taskType string, rctx model.RunContext) model.ModelSelection {
	pol := r.policy()
	for _, route := range pol.Routes {
		if route.TaskType == taskType {
			// Copy the chain: callers consume it as they walk fallbacks.
			fallback := make([]string, len(route.Fallback))
			copy(fallback, route.Fallback)
			return model.ModelSelection{Model: route.Model, Fallback: fallback}
		}
	}
	r.logger.Debug("router: no rule for task type, using default",
		"task_type", taskType, "model", pol.DefaultModel, "agent_id", rctx.AgentID)
	return model.ModelSelection{Model: pol.DefaultModel}
}

// HandleModelFailure returns the next model to try after failedModel, and
// records the substitution. An empty fallbackChain returns
// ErrNoModelAvailable.
func (r *Router) HandleModelFailure(ctx context.Context, failedModel, taskType string, cause error, fallbackChain []string, rctx model.RunContext) (string, error) {
	if len(fallbackChain) == 0 {
		r.logger.Error("router: fallback chain exhausted",
			"failed_model", failedModel,
			"task_type", taskType,
			"agent_id", rctx.AgentID,
			"error", cause,
		)
		return "", ErrNoModelAvailable
	}

	next := fallbackChain[0]
	r.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("failed_model", failedModel),
		attribute.String("next_model", next),
	))
	r.logger.Warn("router: model failed, substituting fallback",
		"failed_model", failedModel,
		"next_model", next,
		"task_type", taskType,
		"agent_id", rctx.AgentID,
		"remaining_fallbacks", len(fallbackChain)-1,
		"error", cause,
	)

	if r.ledger != nil {
		msg := cause.Error()
		r.ledger.Record(model.LedgerRecord{
			TenantID:          rctx.TenantID,
			AgentID:           rctx.AgentID,
			RunID:             rctx.RunID,
			CapabilityName:    fallbackCapability,
			TaskType:          taskType,
			ModelID:           failedModel,
			DecisionReasoning: "model call failed, fell back to " + next,
			Status:            model.StatusFailure,
			ErrorMessage:      &msg,
			CreatedAt:         time.Now().UTC(),
		})
	}

	return next, nil
}
