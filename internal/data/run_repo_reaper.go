package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/optforge/optforge/internal/core"
	"github.com/optforge/optforge/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 1000 is reserved for optforge reaper operations.
const (
	advisoryLockReaperMajor       = 1000
	advisoryLockReaperFailPending = 1 // minor key for FailStalePendingRuns
	advisoryLockReaperDelete      = 2 // minor key for DeleteOldRuns
)

// FailStalePendingRuns marks pending runs older than maxAge as failed.
// Processes up to batchSize runs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of runs marked as failed.
func (r *RunRepo) FailStalePendingRuns(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperFailPending).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			now := r.timeProvider.Now()
			cutoff := now.Add(-maxAge)

			res, err := tx.ExecContext(ctx, `
				UPDATE runs
				SET status = 'failed',
					last_error = 'run timed out in pending status',
					finished_at = $1,
					updated_at = $1
				WHERE id IN (
					SELECT id FROM runs
					WHERE status = 'pending'
					  AND created_at < $2
					ORDER BY created_at
					LIMIT $3
				)
			`, now.UTC(), cutoff.UTC(), batchSize)
			if err != nil {
				return fmt.Errorf("fail stale pending runs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// DeleteOldRuns deletes runs with the given terminal status older than maxAge.
// Processes up to batchSize runs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of runs deleted.
func (r *RunRepo) DeleteOldRuns(ctx context.Context, params core.DeleteOldRunsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid run status: %s", params.Status)
	}
	if !params.Status.Terminal() {
		return 0, errors.New("only terminal runs can be reaped")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoff := r.timeProvider.Now().Add(-params.MaxAge)

			res, err := tx.ExecContext(ctx, `
				DELETE FROM runs
				WHERE id IN (
					SELECT id FROM runs
					WHERE status = $1
					  AND (finished_at < $2 OR (finished_at IS NULL AND updated_at < $2))
					ORDER BY COALESCE(finished_at, updated_at)
					LIMIT $3
				)
			`, params.Status, cutoff.UTC(), params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old runs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
