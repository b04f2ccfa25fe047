package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// PruneKind is the recurring retention sweep over finished jobs.
const PruneKind = "jobs.prune"

// Pruner is the subset of *store.Store the prune job needs.
type Pruner interface {
	PruneSucceededJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)
}

// PruneHandler deletes succeeded jobs (and their attempt rows) older than
// retention, batchSize rows per statement, until none remain or ctx ends.
// Dead jobs are kept for inspection.
func PruneHandler(s Pruner, retention time.Duration, batchSize int) Handler {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return func(ctx context.Context, _ json.RawMessage) error {
		total := 0
		for {
			n, err := s.PruneSucceededJobs(ctx, retention, batchSize)
			if err != nil {
				return fmt.Errorf("prune jobs after %d rows: %w", total, err)
			}
			total += n
			if n < batchSize {
				break
			}
		}
		if total > 0 {
			slog.Info("pruned succeeded jobs", "count", total, "retention", retention)
		}
		return nil
	}
}
