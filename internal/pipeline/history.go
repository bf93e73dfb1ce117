package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/spine-run/spine/internal/bookkeeping"
	bk "github.com/spine-run/spine/internal/domain/bookkeeping"
)

// weeklyPartitionKey formats t as the partition key convention this domain
// uses for week-ending dates.
func weeklyPartitionKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// RequireHistoryWindow implements spec.md §4.3's require_history_window
// helper: before computation needing history (rolling windows), a pipeline
// calls this to confirm nWeeks of prior partitions completed stage. If none
// are present the window is unsatisfiable and an ERROR anomaly is recorded;
// callers should return early without writing outputs. A partial window
// (some but not all weeks present) is tolerated — the valid subset is
// returned for the caller to compute over at whatever granularity it can.
func RequireHistoryWindow(ctx context.Context, books *bookkeeping.Service, domain, stage string, asOf time.Time, nWeeks int) ([]string, error) {
	if nWeeks <= 0 {
		return nil, fmt.Errorf("require_history_window: nWeeks must be positive")
	}

	var valid []string
	for i := 0; i < nWeeks; i++ {
		partitionKey := weeklyPartitionKey(asOf.AddDate(0, 0, -7*i))
		complete, err := books.StageComplete(ctx, domain, partitionKey, stage, 0)
		if err != nil {
			return nil, err
		}
		if complete {
			valid = append(valid, partitionKey)
		}
	}

	if len(valid) == 0 {
		if _, err := books.RecordAnomaly(ctx, bookkeeping.AnomalyInput{
			Domain:   domain,
			Stage:    stage,
			Severity: bk.SeverityError,
			Category: "history_window",
			Message:  fmt.Sprintf("no prior partitions of stage %q found in a %d-week window ending %s", stage, nWeeks, weeklyPartitionKey(asOf)),
		}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("history window unsatisfied: 0 of %d weeks present for stage %q", nWeeks, stage)
	}
	return valid, nil
}
