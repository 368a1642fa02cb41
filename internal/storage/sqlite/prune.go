package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

// Prune deletes positions recorded strictly before the retention horizon.
// Each batch of rows is removed in its own short transaction so concurrent
// batch inserts only wait for one batch at a time.
func (s *PositionStore) Prune(ctx context.Context) (position.PruneResult, error) {
	start := time.Now()
	cutoff := s.horizon().UnixNano()

	var result position.PruneResult
	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		n, err := s.pruneBatchBefore(ctx, cutoff)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		if n == 0 {
			break
		}
		result.Deleted += n
		result.Batches++
		if n < int64(s.pruneBatch) {
			break
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info("Pruned expired positions",
		logger.Int64("deleted", result.Deleted),
		logger.Int("batches", result.Batches),
		logger.Duration("duration", result.Duration))

	return result, nil
}

func (s *PositionStore) pruneBatchBefore(ctx context.Context, cutoff int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM positions
		WHERE rowid IN (
			SELECT rowid FROM positions WHERE recorded < ? LIMIT ?
		)
	`, cutoff, s.pruneBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired positions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune batch: %w", err)
	}
	return n, nil
}
