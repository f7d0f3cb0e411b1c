package visibility

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yeemio/owlclaw/internal/config"
	"github.com/yeemio/owlclaw/internal/model"
	"github.com/yeemio/owlclaw/internal/telemetry"
)

// OutcomeReader is the ledger view the circuit breaker needs.
type OutcomeReader interface {
	RecentOutcomes(ctx context.Context, tenantID uuid.UUID, agentID, capability string, limit int) ([]model.ExecutionOutcome, error)
}

// CircuitBreakerEvaluator hides a capability after a streak of consecutive
// failures and lets it back in as a trial once the recovery timeout passes.
//
// Failure streaks are derived by scanning the most recent ledger rows until
// a non-failure is hit; the breaker state itself (Closed/Open/HalfOpen plus
// opened_at) lives in process memory and resets on restart. A fresh process
// therefore forgives recent failures — the accepted trade-off for keeping
// the write path free of breaker bookkeeping (a crash-consistent variant
// would re-derive state from the ledger on every evaluation).
type CircuitBreakerEvaluator struct {
	reader OutcomeReader
	policy func() *config.Policy
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	circuits map[string]model.Circuit

	transitions metric.Int64Counter
}

// NewCircuitBreakerEvaluator creates the breaker evaluator.
func NewCircuitBreakerEvaluator(reader OutcomeReader, policy func() *config.Policy, logger *slog.Logger, now func() time.Time) *CircuitBreakerEvaluator {
	if now == nil {
		now = time.Now
	}
	transitions, _ := telemetry.Meter("owlclaw/visibility").Int64Counter(
		"owlclaw.breaker.transitions_total",
		metric.WithDescription("Circuit breaker state transitions"))
	return &CircuitBreakerEvaluator{
		reader:      reader,
		policy:      policy,
		now:         now,
		logger:      logger,
		circuits:    make(map[string]model.Circuit),
		transitions: transitions,
	}
}

// Name implements Evaluator.
func (e *CircuitBreakerEvaluator) Name() string { return "circuit_breaker" }

// Evaluate implements Evaluator.
func (e *CircuitBreakerEvaluator) Evaluate(ctx context.Context, capability model.Capability, rctx model.RunContext) (model.FilterResult, error) {
	pol := e.policy()
	key := rctx.TenantID.String() + "|" + rctx.AgentID + "|" + capability.Name
	now := e.now().UTC()

	e.mu.Lock()
	circuit := e.circuits[key]
	e.mu.Unlock()

	switch circuit.State {
	case model.CircuitOpen:
		if now.Sub(circuit.OpenedAt) < pol.RecoveryTimeout {
			return model.Hidden(fmt.Sprintf(
				"circuit open (recovers %s)",
				circuit.OpenedAt.Add(pol.RecoveryTimeout).Format(time.RFC3339),
			)), nil
		}
		// Recovery timeout elapsed: let one trial through.
		e.transition(ctx, key, rctx, capability.Name, circuit, model.Circuit{
			State: model.CircuitHalfOpen, OpenedAt: circuit.OpenedAt,
		})
		return model.Visible(), nil

	case model.CircuitHalfOpen:
		// Judge only outcomes recorded after the breaker opened: the
		// failures that opened it must not immediately re-open it.
		outcomes, err := e.reader.RecentOutcomes(ctx, rctx.TenantID, rctx.AgentID, capability.Name, 1)
		if err != nil {
			return model.FilterResult{}, fmt.Errorf("circuit_breaker: recent outcomes: %w", err)
		}
		if len(outcomes) == 0 || !outcomes[0].CreatedAt.After(circuit.OpenedAt) {
			// Trial still pending.
			return model.Visible(), nil
		}
		if outcomes[0].Failed() {
			e.transition(ctx, key, rctx, capability.Name, circuit, model.Circuit{
				State: model.CircuitOpen, OpenedAt: now,
			})
			return model.Hidden("circuit re-opened after failed trial"), nil
		}
		e.transition(ctx, key, rctx, capability.Name, circuit, model.Circuit{State: model.CircuitClosed})
		return model.Visible(), nil

	default: // Closed
		outcomes, err := e.reader.RecentOutcomes(ctx, rctx.TenantID, rctx.AgentID, capability.Name, pol.FailureThreshold)
		if err != nil {
			return model.FilterResult{}, fmt.Errorf("circuit_breaker: recent outcomes: %w", err)
		}
		streak := 0
		for _, o := range outcomes {
			if !o.Failed() {
				break
			}
			streak++
		}
		if streak >= pol.FailureThreshold {
			e.transition(ctx, key, rctx, capability.Name, circuit, model.Circuit{
				State: model.CircuitOpen, OpenedAt: now,
			})
			return model.Hidden(fmt.Sprintf("circuit opened after %d consecutive failures", streak)), nil
		}
		return model.Visible(), nil
	}
}

// State returns the current circuit for an (agent, capability) pair.
// Exposed for operational inspection.
func (e *CircuitBreakerEvaluator) State(tenantID uuid.UUID, agentID, capability string) model.Circuit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.circuits[tenantID.String()+"|"+agentID+"|"+capability]
}

// transition swaps the stored circuit and logs the state change. Every
// transition is observable even though none of them halt execution.
func (e *CircuitBreakerEvaluator) transition(ctx context.Context, key string, rctx model.RunContext, capability string, from, to model.Circuit) {
	e.mu.Lock()
	e.circuits[key] = to
	e.mu.Unlock()

	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.State.String()),
		attribute.String("to", to.State.String()),
	))
	e.logger.Info("visibility: circuit transition",
		"capability", capability,
		"agent_id", rctx.AgentID,
		"tenant_id", rctx.TenantID,
		"from", from.State.String(),
		"to", to.State.String(),
	)
}
