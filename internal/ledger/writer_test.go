package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeemio/owlclaw/internal/model"
)

// fakeStore fails the first `failures` inserts, then persists to memory.
type fakeStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	records  []model.LedgerRecord
}

func (s *fakeStore) InsertRecords(_ context.Context, records []model.LedgerRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return 0, errors.New("insert failed")
	}
	s.records = append(s.records, records...)
	return int64(len(records)), nil
}

func (s *fakeStore) stored() []model.LedgerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LedgerRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestWriter(t *testing.T, store Store, batchSize int, flushInterval time.Duration) (*Writer, *FallbackLog) {
	t.Helper()
	fl := NewFallbackLog(filepath.Join(t.TempDir(), "fallback.jsonl"), discardLogger())
	w := NewWriter(store, fl, discardLogger(), 100, batchSize, flushInterval)
	return w, fl
}

func TestWriter_FlushesWhenBatchFills(t *testing.T) {
	store := &fakeStore{}
	w, _ := newTestWriter(t, store, 3, time.Hour)
	w.Start(context.Background())
	defer w.Drain(context.Background())

	for _, name := range []string{"a", "b", "c"} {
		w.Record(sampleRecord(name))
	}

	require.Eventually(t, func() bool { return len(store.stored()) == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.callCount(), "a full batch is one insert")

	// Batches persist in enqueue order.
	got := store.stored()
	assert.Equal(t, "a", got[0].CapabilityName)
	assert.Equal(t, "c", got[2].CapabilityName)
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	store := &fakeStore{}
	w, _ := newTestWriter(t, store, 100, 50*time.Millisecond)
	w.Start(context.Background())
	defer w.Drain(context.Background())

	w.Record(sampleRecord("lonely"))

	// Far below batch size, so only the ticker can flush it.
	require.Eventually(t, func() bool { return len(store.stored()) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestWriter_RecordAssignsIDAndTimestamp(t *testing.T) {
	store := &fakeStore{}
	w, _ := newTestWriter(t, store, 10, time.Hour)

	rec := sampleRecord("cap")
	rec.ID = uuid.Nil
	rec.CreatedAt = time.Time{}
	w.Record(rec)

	queued := <-w.queue
	assert.NotEqual(t, uuid.Nil, queued.ID)
	assert.False(t, queued.CreatedAt.IsZero())
}

func TestWriter_QueueFullDropsWithoutBlocking(t *testing.T) {
	fl := NewFallbackLog(filepath.Join(t.TempDir(), "fallback.jsonl"), discardLogger())
	w := NewWriter(&fakeStore{}, fl, discardLogger(), 2, 10, time.Hour)
	// Not started: nothing drains the queue.

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			w.Record(sampleRecord("cap"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	assert.Equal(t, 2, w.QueueDepth())
	assert.Equal(t, int64(3), w.Dropped())
}

func TestWriter_RetryThenSuccess(t *testing.T) {
	store := &fakeStore{failures: 1}
	w, _ := newTestWriter(t, store, 1, time.Hour)
	w.Start(context.Background())
	defer w.Drain(context.Background())

	w.Record(sampleRecord("cap"))

	// First attempt fails, second succeeds after the 1s backoff.
	require.Eventually(t, func() bool { return len(store.stored()) == 1 },
		5*time.Second, 25*time.Millisecond)
	assert.Equal(t, 2, store.callCount())
	assert.Zero(t, w.FallbackWrites())
}

func TestWriter_ExhaustedRetriesDivertToFallbackLog(t *testing.T) {
	store := &fakeStore{failures: 1 << 20} // never succeeds
	w, fl := newTestWriter(t, store, 2, time.Hour)
	w.Start(context.Background())
	defer w.Drain(context.Background())

	want := []model.LedgerRecord{sampleRecord("cap-a"), sampleRecord("cap-b")}
	for _, rec := range want {
		w.Record(rec)
	}

	// Three attempts with 1s+2s backoff, then the fallback append.
	require.Eventually(t, func() bool { return w.FallbackWrites() == 2 },
		10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 3, store.callCount())
	assert.Zero(t, w.Dropped(), "diverted records are not dropped")

	got, err := fl.Recover()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, want[0].ID, got[0].ID)
	assert.Equal(t, want[1].ID, got[1].ID)
}

func TestWriter_DrainFlushesRemainder(t *testing.T) {
	store := &fakeStore{}
	w, _ := newTestWriter(t, store, 100, time.Hour)
	w.Start(context.Background())

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		w.Record(sampleRecord(name))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Drain(ctx)

	assert.Len(t, store.stored(), 5)
	assert.Zero(t, w.QueueDepth())
}
