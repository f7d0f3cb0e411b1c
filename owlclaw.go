// Package owlclaw is the public API for embedding the governance layer of
// an agent execution platform: per-cycle capability visibility filtering,
// model routing with fallback, and a durable tenant-scoped execution
// ledger.
//
//	gov, err := owlclaw.New(
//	    owlclaw.WithLogger(logger),
//	    owlclaw.WithVersion(version),
//	)
//	if err != nil { ... }
//	gov.Start(ctx)
//	defer gov.Close(context.Background())
//
//	visible := gov.Filter(ctx, capabilities, rctx)
//	sel := gov.SelectModel(rctx.TaskType, rctx)
//	// ... execute ...
//	gov.Record(rec)
//
// The import graph enforces a strict no-cycle rule: owlclaw (root) imports
// internal/*, but internal/* never imports the root. Public types are
// standalone structs; the conversion helpers live here because this is the
// only file that sees both sides of the boundary.
package owlclaw

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/yeemio/owlclaw/internal/cache"
	"github.com/yeemio/owlclaw/internal/config"
	"github.com/yeemio/owlclaw/internal/ledger"
	"github.com/yeemio/owlclaw/internal/model"
	"github.com/yeemio/owlclaw/internal/router"
	"github.com/yeemio/owlclaw/internal/storage"
	"github.com/yeemio/owlclaw/internal/telemetry"
	"github.com/yeemio/owlclaw/internal/visibility"
	"github.com/yeemio/owlclaw/migrations"
)

// ErrNoModelAvailable is returned by HandleModelFailure when the fallback
// chain is exhausted. The caller must surface a hard failure: this is the
// one governance error that is never swallowed.
var ErrNoModelAvailable = router.ErrNoModelAvailable

// Governor is the governance layer lifecycle. Construct with New, start
// the background ledger writer with Start, stop everything with Close.
type Governor struct {
	cfg    config.Config
	policy atomic.Pointer[config.Policy]

	db     *storage.DB
	ledger *ledger.Ledger
	filter *visibility.Filter
	router *router.Router

	costCache  *cache.TTL[model.CostSummary]
	statsCache *cache.TTL[model.DailyCallStats]

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
}

// New initialises the governance layer: loads configuration and policy,
// connects to the database, runs migrations, and wires the filter, router,
// and ledger. It does not start any goroutines — call Start.
func New(opts ...Option) (*Governor, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.policyPath != "" {
		cfg.PolicyPath = o.policyPath
	}
	if o.fallbackLogPath != "" {
		cfg.FallbackLogPath = o.fallbackLogPath
	}

	logger.Info("owlclaw starting", "version", version, "policy_path", cfg.PolicyPath)

	pol, warnings, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	logPolicyWarnings(logger, warnings)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	g := &Governor{
		cfg:          cfg,
		db:           db,
		otelShutdown: otelShutdown,
		logger:       logger,
	}
	g.policy.Store(pol)

	fallback := ledger.NewFallbackLog(cfg.FallbackLogPath, logger)
	g.ledger = ledger.New(db, fallback, logger, cfg.LedgerQueueSize, cfg.LedgerBatchSize, cfg.LedgerFlushInterval)

	clock := o.clock
	if clock == nil {
		clock = time.Now
	}
	policyFn := g.policy.Load

	g.costCache = cache.NewTTL[model.CostSummary](pol.BudgetCacheTTL)
	g.statsCache = cache.NewTTL[model.DailyCallStats](pol.RateLimitCacheTTL)

	evaluators := []visibility.Evaluator{
		visibility.NewBudgetEvaluator(g.ledger, policyFn, g.costCache, clock),
		visibility.NewTimeWindowEvaluator(policyFn, clock),
		visibility.NewRateLimitEvaluator(g.ledger, g.statsCache, clock),
		visibility.NewCircuitBreakerEvaluator(g.ledger, policyFn, logger, clock),
	}
	for _, e := range o.extraEvaluators {
		evaluators = append(evaluators, &evaluatorAdapter{inner: e})
	}
	g.filter = visibility.NewFilter(logger, cfg.EvaluatorTimeout, evaluators...)

	g.router = router.New(policyFn, g.ledger, logger)

	return g, nil
}

// Start launches the background ledger writer. ctx scopes the writer's
// lifetime; Close (or Drain on the ledger) stops it.
func (g *Governor) Start(ctx context.Context) {
	g.ledger.Start(ctx)
}

// Filter returns the subset of capabilities the agent may see this cycle,
// preserving input order. Evaluator faults fail open, so the result is
// never smaller than policy demands.
func (g *Governor) Filter(ctx context.Context, capabilities []Capability, rctx RunContext) []Capability {
	internal := make([]model.Capability, len(capabilities))
	for i, c := range capabilities {
		internal[i] = toInternalCapability(c)
	}

	visible := g.filter.Filter(ctx, internal, toInternalRunContext(rctx))

	// Map back by name; names are unique within a registry snapshot.
	byName := make(map[string]Capability, len(capabilities))
	for _, c := range capabilities {
		byName[c.Name] = c
	}
	out := make([]Capability, 0, len(visible))
	for _, c := range visible {
		out = append(out, byName[c.Name])
	}
	return out
}

// SelectModel returns the model and fallback chain for a task type.
func (g *Governor) SelectModel(taskType string, rctx RunContext) ModelSelection {
	sel := g.router.SelectModel(taskType, toInternalRunContext(rctx))
	return ModelSelection{Model: sel.Model, Fallback: sel.Fallback}
}

// HandleModelFailure returns the next model to try after failedModel and
// records the degradation to the ledger. Returns ErrNoModelAvailable when
// fallbackChain is empty.
func (g *Governor) HandleModelFailure(ctx context.Context, failedModel, taskType string, cause error, fallbackChain []string, rctx RunContext) (string, error) {
	return g.router.HandleModelFailure(ctx, failedModel, taskType, cause, fallbackChain, toInternalRunContext(rctx))
}

// Record queues one execution record for persistence. It never blocks and
// never fails: persistence problems are retried in the background and
// ultimately diverted to the local fallback log.
func (g *Governor) Record(rec Record) {
	g.ledger.Record(toInternalRecord(rec))
}

// Query returns a page of ledger records for one tenant (newest first)
// plus the total match count. tenantID is mandatory; there is no
// cross-tenant query path.
func (g *Governor) Query(ctx context.Context, tenantID uuid.UUID, f RecordFilters) ([]Record, int, error) {
	records, total, err := g.ledger.Query(ctx, tenantID, model.RecordFilters{
		AgentID:        f.AgentID,
		CapabilityName: f.CapabilityName,
		RunID:          f.RunID,
		Status:         model.RecordStatus(f.Status),
		From:           f.From,
		To:             f.To,
		Limit:          f.Limit,
		Offset:         f.Offset,
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = toPublicRecord(r)
	}
	return out, total, nil
}

// CostSummary aggregates spend and call volume for a tenant over
// [from, to). An empty agentID covers the whole tenant.
func (g *Governor) CostSummary(ctx context.Context, tenantID uuid.UUID, agentID string, from, to time.Time) (CostSummary, error) {
	s, err := g.ledger.CostSummary(ctx, tenantID, agentID, from, to)
	if err != nil {
		return CostSummary{}, err
	}
	return CostSummary{TotalCost: s.TotalCost, TotalCalls: s.TotalCalls}, nil
}

// RecoverFallback reads the records diverted to the local fallback log,
// for manual reconciliation after a database outage.
func (g *Governor) RecoverFallback() ([]Record, error) {
	fb := ledger.NewFallbackLog(g.cfg.FallbackLogPath, g.logger)
	records, err := fb.Recover()
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = toPublicRecord(r)
	}
	return out, nil
}

// ReloadPolicy re-reads the policy file and swaps it in atomically.
// Readers never see a half-applied policy: they either get the previous
// snapshot or the new one. An invalid file rejects the reload and leaves
// the previous policy active.
func (g *Governor) ReloadPolicy() error {
	pol, warnings, err := config.LoadPolicy(g.cfg.PolicyPath)
	if err != nil {
		g.logger.Error("policy reload rejected, keeping previous policy",
			"path", g.cfg.PolicyPath, "error", err)
		return fmt.Errorf("reload policy: %w", err)
	}
	logPolicyWarnings(g.logger, warnings)
	g.policy.Store(pol)
	g.logger.Info("policy reloaded", "path", g.cfg.PolicyPath,
		"routes", len(pol.Routes), "known_models", len(pol.KnownModels))
	return nil
}

// Close drains the ledger writer (bounded by the configured shutdown
// timeout), then releases caches, the database pool, and telemetry.
func (g *Governor) Close(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, g.cfg.ShutdownTimeout)
	defer cancel()
	g.ledger.Drain(drainCtx)

	g.costCache.Close()
	g.statsCache.Close()
	g.db.Close()

	if err := g.otelShutdown(ctx); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// --- public/internal conversions ---

func toInternalCapability(c Capability) model.Capability {
	return model.Capability{
		Name:          c.Name,
		EstimatedCost: c.EstimatedCost,
		Metadata:      c.Metadata,
		Constraints:   model.ParseConstraints(c.Metadata),
	}
}

func toInternalRunContext(r RunContext) model.RunContext {
	return model.RunContext{
		TenantID: r.TenantID,
		AgentID:  r.AgentID,
		RunID:    r.RunID,
		TaskType: r.TaskType,
	}
}

func toInternalRecord(r Record) model.LedgerRecord {
	return model.LedgerRecord{
		ID:                r.ID,
		TenantID:          r.TenantID,
		AgentID:           r.AgentID,
		RunID:             r.RunID,
		CapabilityName:    r.CapabilityName,
		TaskType:          r.TaskType,
		InputParams:       r.InputParams,
		OutputResult:      r.OutputResult,
		DecisionReasoning: r.DecisionReasoning,
		ExecutionTimeMs:   r.ExecutionTimeMs,
		ModelID:           r.ModelID,
		TokensInput:       r.TokensInput,
		TokensOutput:      r.TokensOutput,
		EstimatedCost:     r.EstimatedCost,
		Status:            model.RecordStatus(r.Status),
		ErrorMessage:      r.ErrorMessage,
		CreatedAt:         r.CreatedAt,
	}
}

func toPublicRecord(r model.LedgerRecord) Record {
	return Record{
		ID:                r.ID,
		TenantID:          r.TenantID,
		AgentID:           r.AgentID,
		RunID:             r.RunID,
		CapabilityName:    r.CapabilityName,
		TaskType:          r.TaskType,
		InputParams:       r.InputParams,
		OutputResult:      r.OutputResult,
		DecisionReasoning: r.DecisionReasoning,
		ExecutionTimeMs:   r.ExecutionTimeMs,
		ModelID:           r.ModelID,
		TokensInput:       r.TokensInput,
		TokensOutput:      r.TokensOutput,
		EstimatedCost:     r.EstimatedCost,
		Status:            Status(r.Status),
		ErrorMessage:      r.ErrorMessage,
		CreatedAt:         r.CreatedAt,
	}
}

// evaluatorAdapter bridges a public Evaluator into the internal fan-out.
type evaluatorAdapter struct {
	inner Evaluator
}

func (a *evaluatorAdapter) Name() string { return a.inner.Name() }

func (a *evaluatorAdapter) Evaluate(ctx context.Context, capability model.Capability, rctx model.RunContext) (model.FilterResult, error) {
	pub := Capability{
		Name:          capability.Name,
		EstimatedCost: capability.EstimatedCost,
		Metadata:      capability.Metadata,
	}
	visible, reason, err := a.inner.Evaluate(ctx, pub, RunContext{
		TenantID: rctx.TenantID,
		AgentID:  rctx.AgentID,
		RunID:    rctx.RunID,
		TaskType: rctx.TaskType,
	})
	if err != nil {
		return model.FilterResult{}, err
	}
	if !visible {
		return model.Hidden(reason), nil
	}
	return model.Visible(), nil
}

func logPolicyWarnings(logger *slog.Logger, warnings []string) {
	for _, w := range warnings {
		logger.Warn("policy: " + w)
	}
}
