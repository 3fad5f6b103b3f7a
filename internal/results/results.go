// Package results is the durable ledger of per-item outcomes. Records are
// append-only and fsynced before Append returns, so a mid-run crash loses at
// most the in-flight items, never completed ones. Retried items produce one
// record only at their terminal transition; the ledger preserves completion
// order.
package results

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pvelkov/gazetted/internal/fsio"
	"github.com/pvelkov/gazetted/internal/plan"
)

const ledgerFileName = "results.jsonl"

// Error kinds recorded on failed outcomes.
const (
	ErrKindCrash     = "worker_crash"
	ErrKindTimeout   = "worker_timeout"
	ErrKindCancelled = "cancelled"
)

// Record is the terminal outcome of one work item.
type Record struct {
	ItemID      int           `json:"item_id"`
	Status      plan.Status   `json:"status"`
	PayloadPath string        `json:"payload_path,omitempty"`
	ErrKind     string        `json:"err_kind,omitempty"`
	ErrMsg      string        `json:"err_msg,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Sink appends records to the run's ledger file.
type Sink struct {
	path   string
	logger *zap.Logger
}

// New returns a sink writing under runRoot.
func New(runRoot string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{path: filepath.Join(runRoot, ledgerFileName), logger: logger}
}

// Path returns the ledger file location.
func (s *Sink) Path() string { return s.path }

// Append durably records a terminal outcome. An error here means completed
// work could be lost, which the controller treats as fatal for the run.
func (s *Sink) Append(rec Record) error {
	if rec.ItemID < 0 {
		return fmt.Errorf("item id must be >= 0")
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("record for item %d has non-terminal status %q", rec.ItemID, rec.Status)
	}
	if rec.Attempts < 0 {
		return fmt.Errorf("attempts must be >= 0")
	}
	if err := fsio.AppendJSONLineSync(s.path, rec); err != nil {
		return fmt.Errorf("append result for item %d: %w", rec.ItemID, err)
	}
	return nil
}

// ReadAll returns every record in append (completion) order. A malformed
// line, such as the torn tail left by a crash mid-write, is skipped with a
// warning rather than failing the read.
func (s *Sink) ReadAll() ([]Record, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	out := []Record{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping malformed result line",
				zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return out, nil
}
