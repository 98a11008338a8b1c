package store

import (
	"context"
	"fmt"

	"github.com/rendis/keymat/pkg/schema"
)

// ResultLog provides run-level operations over the append-only
// check_results table.
type ResultLog struct {
	store Store
}

// NewResultLog wraps a Store.
func NewResultLog(s Store) *ResultLog {
	return &ResultLog{store: s}
}

// Append records one result for a run.
func (rl *ResultLog) Append(ctx context.Context, result *CheckResult) error {
	return rl.store.AppendCheckResult(ctx, result)
}

// Summarize replays a run's results into a tally. A gap in the sequence
// means the log was tampered with or partially pruned, and is an error.
func (rl *ResultLog) Summarize(ctx context.Context, runID string) (RunSummary, error) {
	results, err := rl.store.ListCheckResults(ctx, runID)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list results for summary: %w", err)
	}

	var sum RunSummary
	for i, r := range results {
		if expected := int64(i + 1); r.Sequence != expected {
			return RunSummary{}, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, r.Sequence)
		}
		sum.Total++
		switch {
		case r.Error != "":
			sum.Errored++
		case r.Passed:
			sum.Passed++
		default:
			sum.Failed++
		}
	}
	return sum, nil
}
