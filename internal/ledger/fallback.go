package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/yeemio/owlclaw/internal/model"
)

// FallbackLog is the local append-only log of last resort: batches that
// exhaust their database retries are written here as one JSON object per
// line, so records are never silently dropped and can be reconciled later.
type FallbackLog struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFallbackLog creates a fallback log at path. The file is created lazily
// on first append; a missing file is the healthy state.
func NewFallbackLog(path string, logger *slog.Logger) *FallbackLog {
	return &FallbackLog{path: path, logger: logger}
}

// Path returns the log file location.
func (f *FallbackLog) Path() string { return f.path }

// Append writes records as JSON lines and syncs the file. Called only from
// the single ledger writer goroutine plus shutdown, but locked anyway so a
// drain racing a late flush cannot interleave lines.
func (f *FallbackLog) Append(records []model.LedgerRecord) error {
	if len(records) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path comes from validated config
	if err != nil {
		return fmt.Errorf("ledger: open fallback log: %w", err)
	}
	defer file.Close() //nolint:errcheck

	w := bufio.NewWriter(file)
	for i := range records {
		line, err := json.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("ledger: marshal fallback record: %w", err)
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("ledger: write fallback record: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("ledger: write fallback record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("ledger: flush fallback log: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("ledger: sync fallback log: %w", err)
	}
	return nil
}

// Recover reads all records from the fallback log for manual reconciliation.
// A truncated or corrupt trailing line (torn write during a crash) stops the
// scan with a warning rather than failing the whole recovery.
func (f *FallbackLog) Recover() ([]model.LedgerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path) //nolint:gosec // path comes from validated config
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open fallback log for recovery: %w", err)
	}
	defer file.Close() //nolint:errcheck

	var records []model.LedgerRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.LedgerRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			f.logger.Warn("ledger: corrupt fallback log line, stopping recovery",
				"path", f.path, "line", lineNo, "error", err, "recovered", len(records))
			break
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("ledger: scan fallback log: %w", err)
	}
	return records, nil
}
