package controller

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/pvelkov/gazetted/internal/fsio"
	"github.com/pvelkov/gazetted/internal/plan"
	"github.com/pvelkov/gazetted/internal/results"
)

const summaryFileName = "summary.json"

// Summary is the run's terminal report, persisted at completion for the
// reporting surface to consume.
type Summary struct {
	RunID           string        `json:"run_id"`
	Total           int           `json:"total"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	TimedOut        int           `json:"timed_out"`
	Cancelled       int           `json:"cancelled"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Duration        time.Duration `json:"duration"`
	FailedItemIDs   []int         `json:"failed_item_ids"`
	TimedOutItemIDs []int         `json:"timed_out_item_ids"`
}

// observe folds one durable record into the tally. Wired as the supervisor's
// observer, so counts always match what the ledger holds.
func (s *Summary) observe(rec results.Record) {
	switch rec.Status {
	case plan.StatusSucceeded:
		s.Succeeded++
	case plan.StatusFailed:
		s.Failed++
		s.FailedItemIDs = append(s.FailedItemIDs, rec.ItemID)
	case plan.StatusTimedOut:
		s.TimedOut++
		s.TimedOutItemIDs = append(s.TimedOutItemIDs, rec.ItemID)
	case plan.StatusCancelled:
		s.Cancelled++
	}
}

func (s *Summary) sortIDs() {
	sort.Ints(s.FailedItemIDs)
	sort.Ints(s.TimedOutItemIDs)
}

func summaryPath(runRoot string) string {
	return filepath.Join(runRoot, summaryFileName)
}

func writeSummary(runRoot string, s Summary) error {
	return fsio.WriteJSONAtomic(summaryPath(runRoot), s)
}

// LoadSummary reads a previously written run summary.
func LoadSummary(runRoot string) (Summary, error) {
	var s Summary
	if err := fsio.ReadJSON(summaryPath(runRoot), &s); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// SortRecords orders ledger records by item id for display. The ledger
// itself stays in completion order.
func SortRecords(recs []results.Record) []results.Record {
	out := make([]results.Record, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}
