package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yeemio/owlclaw/internal/model"
	"github.com/yeemio/owlclaw/internal/storage"
)

// Ledger combines the batching write path with the tenant-scoped read API.
// Record never blocks on I/O; Query and the aggregate reads hit the
// database and belong off latency-sensitive hot paths.
type Ledger struct {
	db     *storage.DB
	writer *Writer
}

// New wires a Ledger over the given database. Call Start before recording
// and Drain during shutdown.
func New(db *storage.DB, fallback *FallbackLog, logger *slog.Logger, queueSize, batchSize int, flushInterval time.Duration) *Ledger {
	return &Ledger{
		db:     db,
		writer: NewWriter(db, fallback, logger, queueSize, batchSize, flushInterval),
	}
}

// Start launches the background writer.
func (l *Ledger) Start(ctx context.Context) { l.writer.Start(ctx) }

// Drain flushes buffered records and stops the writer, bounded by ctx.
func (l *Ledger) Drain(ctx context.Context) { l.writer.Drain(ctx) }

// Record queues one execution record for eventual persistence.
func (l *Ledger) Record(rec model.LedgerRecord) { l.writer.Record(rec) }

// Writer exposes the underlying writer for health inspection.
func (l *Ledger) Writer() *Writer { return l.writer }

// Query returns a page of records for one tenant plus the total match count.
func (l *Ledger) Query(ctx context.Context, tenantID uuid.UUID, f model.RecordFilters) ([]model.LedgerRecord, int, error) {
	return l.db.QueryRecords(ctx, tenantID, f)
}

// CostSummary aggregates cost and calls for a tenant (optionally one agent)
// over [from, to).
func (l *Ledger) CostSummary(ctx context.Context, tenantID uuid.UUID, agentID string, from, to time.Time) (model.CostSummary, error) {
	return l.db.GetCostSummary(ctx, tenantID, agentID, from, to)
}

// DailyCallStats returns call count and last-call time for an
// (agent, capability) pair inside the given day window.
func (l *Ledger) DailyCallStats(ctx context.Context, tenantID uuid.UUID, agentID, capability string, dayStart, dayEnd time.Time) (model.DailyCallStats, error) {
	return l.db.GetDailyCallStats(ctx, tenantID, agentID, capability, dayStart, dayEnd)
}

// RecentOutcomes returns the newest-first execution outcomes for an
// (agent, capability) pair.
func (l *Ledger) RecentOutcomes(ctx context.Context, tenantID uuid.UUID, agentID, capability string, limit int) ([]model.ExecutionOutcome, error) {
	return l.db.GetRecentOutcomes(ctx, tenantID, agentID, capability, limit)
}
