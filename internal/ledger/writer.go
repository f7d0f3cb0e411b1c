// Package ledger implements the durable, tenant-scoped execution log: a
// non-blocking write path through a batching background writer, and a
// tenant-mandatory read API used by evaluators and audit tooling.
package ledger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/yeemio/owlclaw/internal/model"
	"github.com/yeemio/owlclaw/internal/telemetry"
)

// Store is the persistence surface the writer needs. *storage.DB satisfies
// it; tests substitute a fake.
type Store interface {
	InsertRecords(ctx context.Context, records []model.LedgerRecord) (int64, error)
}

const (
	// maxFlushAttempts bounds retries before a batch goes to the fallback log.
	maxFlushAttempts = 3
	// retryBackoffStep grows linearly: 1s, 2s, 3s.
	retryBackoffStep = time.Second
)

// Writer drains a bounded queue of ledger records in a single background
// goroutine, flushing a batch to the store when the batch fills or the
// flush interval elapses, whichever comes first.
//
// Single-writer by construction: producers only enqueue, so the write path
// needs no locking and batches persist in enqueue order.
type Writer struct {
	store         Store
	fallback      *FallbackLog
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	queue chan model.LedgerRecord

	dropped        atomic.Int64 // records rejected because the queue was full
	fallbackWrites atomic.Int64 // records diverted to the fallback log

	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewWriter creates a ledger writer. queueSize bounds the in-process queue;
// when it is full, Record drops the record and accounts for it (blocking
// the caller would break the never-block contract of the write path).
func NewWriter(store Store, fallback *FallbackLog, logger *slog.Logger, queueSize, batchSize int, flushInterval time.Duration) *Writer {
	if queueSize <= 0 {
		queueSize = 10000
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Writer{
		store:         store,
		fallback:      fallback,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		queue:         make(chan model.LedgerRecord, queueSize),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Call Drain to stop.
func (w *Writer) Start(ctx context.Context) {
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.flushLoop(loopCtx)
}

// Record accepts one record for eventual persistence. It never blocks and
// never surfaces persistence errors: a full queue drops the record with an
// error-level log and a metric, everything else is handled downstream by
// the flush loop's retry-then-fallback path.
func (w *Writer) Record(rec model.LedgerRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	select {
	case w.queue <- rec:
	default:
		w.dropped.Add(1)
		w.logger.Error("ledger: queue full, dropping record",
			"tenant_id", rec.TenantID,
			"agent_id", rec.AgentID,
			"capability", rec.CapabilityName,
			"dropped_total", w.dropped.Load(),
		)
	}
}

func (w *Writer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]model.LedgerRecord, 0, w.batchSize)

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is still queued, then do the final flush with
			// the drain context (ctx itself is already cancelled).
			batch = w.drainQueue(batch)
			final := w.drainCtx
			if final == nil {
				var cancel context.CancelFunc
				final, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			if len(batch) > 0 {
				w.flush(final, batch)
			}
			close(w.done)
			return
		case rec := <-w.queue:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// drainQueue empties the queue without blocking.
func (w *Writer) drainQueue(batch []model.LedgerRecord) []model.LedgerRecord {
	for {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

// flush persists one batch, retrying with linear backoff. When all attempts
// fail the batch is appended to the fallback log; records are never dropped
// on the flush path.
func (w *Writer) flush(ctx context.Context, batch []model.LedgerRecord) {
	var lastErr error
	for attempt := 1; attempt <= maxFlushAttempts; attempt++ {
		start := time.Now()
		count, err := w.store.InsertRecords(ctx, batch)
		if err == nil {
			w.logger.Debug("ledger: batch flushed",
				"batch_size", count,
				"flush_duration_ms", time.Since(start).Milliseconds(),
			)
			return
		}
		lastErr = err
		w.logger.Warn("ledger: flush attempt failed",
			"attempt", attempt, "batch_size", len(batch), "error", err)

		if attempt < maxFlushAttempts {
			backoff := time.Duration(attempt) * retryBackoffStep
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				// Shutdown mid-retry: skip straight to the fallback log.
				attempt = maxFlushAttempts
			}
		}
	}

	if err := w.fallback.Append(batch); err != nil {
		w.logger.Error("ledger: fallback log append failed, records lost",
			"batch_size", len(batch), "flush_error", lastErr, "fallback_error", err)
		w.dropped.Add(int64(len(batch)))
		return
	}
	w.fallbackWrites.Add(int64(len(batch)))
	w.logger.Error("ledger: flush retries exhausted, batch written to fallback log",
		"batch_size", len(batch),
		"fallback_path", w.fallback.Path(),
		"error", lastErr,
	)
}

// Drain stops the flush loop and waits for its final flush, bounded by ctx.
// If the wait times out, records still queued were already diverted to the
// fallback log by the loop's shutdown path or remain for it to divert.
func (w *Writer) Drain(ctx context.Context) {
	w.drainCtx = ctx
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("ledger: drain timed out waiting for flush loop")
	}
}

// QueueDepth returns the current number of queued records.
func (w *Writer) QueueDepth() int { return len(w.queue) }

// Dropped returns the total records dropped due to queue capacity. A
// non-zero value indicates audit data loss.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// FallbackWrites returns the total records diverted to the fallback log.
func (w *Writer) FallbackWrites() int64 { return w.fallbackWrites.Load() }

func (w *Writer) registerMetrics() {
	meter := telemetry.Meter("owlclaw/ledger")

	_, _ = meter.Int64ObservableGauge("owlclaw.ledger.queue_depth",
		metric.WithDescription("Current number of records in the write queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.QueueDepth()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("owlclaw.ledger.dropped_total",
		metric.WithDescription("Total records dropped due to queue capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.Dropped())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("owlclaw.ledger.fallback_total",
		metric.WithDescription("Total records diverted to the local fallback log"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.FallbackWrites())
			return nil
		}),
	)
}
