package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/optforge/optforge/internal/core"
	"github.com/optforge/optforge/internal/data/pgxutil"
	"github.com/optforge/optforge/internal/domain/model"
	apperrors "github.com/optforge/optforge/internal/errors"
)

const (
	defaultRetryDelaySeconds = 30
	defaultMaxRetries        = 3

	// Postgres channel notified on every submitted run. All runs share one
	// queue, so a single channel suffices.
	runAddedChannel = "run_added"

	// Distinct last_error for runs requeued after a worker lost its lease,
	// so operators can tell lost-worker retries from solve failures.
	lostWorkerError = "run lease expired: worker presumed lost"
)

func (r *RunRepo) retryDelay() time.Duration {
	if r.cfg.RetryDelaySeconds > 0 {
		return time.Duration(r.cfg.RetryDelaySeconds) * time.Second
	}
	return defaultRetryDelaySeconds * time.Second
}

// SQL used by ReserveNext to atomically reserve the next pending run.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM runs
    WHERE status = 'pending' AND scheduled_at <= $1
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE runs r
  SET
    status = 'running',
    started_at = COALESCE(r.started_at, $2),
    lease_expires_at = $3,
    updated_at = $4
  FROM cte
  WHERE r.id = cte.id
  RETURNING r.id, r.status, r.solver, r.model, r.parameters, r.objective_value, r.gap, r.best_bound, r.result_variables, r.solver_logs, r.last_error, r.cancel_requested, r.retry_count, r.max_retries, r.scheduled_at, r.started_at, r.finished_at, r.lease_expires_at, r.created_at, r.updated_at`

// Create persists a new pending run and notifies idle workers.
func (r *RunRepo) Create(ctx context.Context, req *model.SubmitRunRequest) (*model.Run, error) {
	if req == nil {
		return nil, apperrors.Validation("submit run request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, err.Error())
	}

	modelDoc, err := json.Marshal(req.Model)
	if err != nil {
		return nil, fmt.Errorf("marshal model: %w", err)
	}
	params := []byte(`{}`)
	if req.Parameters != nil {
		params, err = json.Marshal(req.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal parameters: %w", err)
		}
	}

	maxRetries := defaultMaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	var run *model.Run
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			rows, qerr := tx.Query(ctx, `
			  INSERT INTO runs(id, status, solver, model, parameters, scheduled_at, max_retries)
			  VALUES ($1, 'pending', $2, $3, $4, $5, $6)
			  RETURNING `+runColumns,
				uuid.NewString(), req.Solver, modelDoc, params, now, maxRetries)
			if qerr != nil {
				return fmt.Errorf("insert run: %w", qerr)
			}
			created, cerr := collectRunFromRows(rows)
			rows.Close()
			if cerr != nil {
				return fmt.Errorf("collect run: %w", cerr)
			}

			if _, nerr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, runAddedChannel, created.ID); nerr != nil {
				return fmt.Errorf("send run notification: %w", nerr)
			}
			run = created
			return nil
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return run, nil
}

// Advisory lock namespace for requeueExpired. Minor key 1 covers the single
// run queue.
const (
	advisoryLockRequeueMajor int64 = 1001
	advisoryLockRequeueMinor int64 = 1
)

// requeueExpired applies the lost-worker policy to runs whose lease expired:
// a run with a pending cancel commits to canceled, a run out of retries
// fails, and everything else returns to pending with a retry increment.
// Solves are side-effect free, so re-running a lost run is safe. The policy
// lives in one statement so every expired lease takes exactly one branch.
func (r *RunRepo) requeueExpired(ctx context.Context) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
				advisoryLockRequeueMajor, advisoryLockRequeueMinor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			now := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
	          UPDATE runs
	          SET status = CASE
	                WHEN cancel_requested THEN 'canceled'
	                WHEN retry_count + 1 >= max_retries THEN 'failed'
	                ELSE 'pending' END,
	              retry_count = CASE WHEN cancel_requested THEN retry_count ELSE retry_count + 1 END,
	              last_error = CASE WHEN cancel_requested THEN last_error ELSE $2 END,
	              finished_at = CASE
	                WHEN cancel_requested OR retry_count + 1 >= max_retries THEN $1::timestamptz
	                ELSE NULL END,
	              lease_expires_at = NULL,
	              updated_at = $1
	          WHERE status = 'running'
	            AND lease_expires_at IS NOT NULL
	            AND lease_expires_at < $1
	        `, now, lostWorkerError)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
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

// ReserveNext reserves the next pending run for processing, recovering
// expired leases first.
func (r *RunRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.Run, error) {
	if _, err := r.requeueExpired(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired runs: %w", err)
	}

	var run *model.Run
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now()
			leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, reserveNextUpdateSQL,
				now.UTC(), now.UTC(), leaseExpiresAt.UTC(), now.UTC())
			if qerr != nil {
				return fmt.Errorf("reserve run: %w", qerr)
			}
			defer rows.Close()

			reserved, cerr := collectRunFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoRunsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve run: %w", cerr)
			}
			run = reserved
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoRunsAvailable) {
			return nil, model.ErrNoRunsAvailable
		}
		return nil, err
	}
	return run, nil
}

// Heartbeat refreshes the lease on a running run.
func (r *RunRepo) Heartbeat(ctx context.Context, runID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	now := r.timeProvider.Now().UTC()
	leaseExpiration := now.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE runs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, runID, leaseExpiration, now)
	if err != nil {
		return false, fmt.Errorf("heartbeat run: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// SetSolver records the adapter the dispatcher selected for a running run.
func (r *RunRepo) SetSolver(ctx context.Context, runID, solver string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE runs
		SET solver = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, runID, solver, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set run solver: %w", err)
	}
	return nil
}

// Complete commits a successful solve. The guard on status = 'running' makes
// the transition a compare-and-set: a run another actor already finished is
// left untouched and Complete reports false.
func (r *RunRepo) Complete(ctx context.Context, id string, params core.CompleteRunParams) (bool, error) {
	resultVars, err := marshalResultVariables(params.ResultVariables)
	if err != nil {
		return false, err
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = 'succeeded',
		    objective_value = $2,
		    gap = $3,
		    best_bound = $4,
		    result_variables = $5,
		    solver_logs = $6,
		    finished_at = $7,
		    updated_at = $7,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, params.ObjectiveValue, params.Gap, params.BestBound, resultVars, params.SolverLogs, now)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Fail marks a running run as failed. With params.Retry the run returns to
// pending after the retry delay unless retries are exhausted; without it the
// failure is terminal immediately.
func (r *RunRepo) Fail(ctx context.Context, id, errMsg string, params core.FailRunParams) (bool, error) {
	now := r.timeProvider.Now()

	if !params.Retry {
		res, err := r.DB.ExecContext(ctx, `
			UPDATE runs
			SET status = 'failed',
			    last_error = $2,
			    solver_logs = COALESCE($3, solver_logs),
			    finished_at = $4,
			    updated_at = $4,
			    lease_expires_at = NULL
			WHERE id = $1 AND status = 'running'
		`, id, errMsg, params.SolverLogs, now.UTC())
		if err != nil {
			return false, fmt.Errorf("fail run: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("fail rows affected: %w", err)
		}
		return ra > 0, nil
	}

	retryDelay := params.RetryDelay
	if retryDelay <= 0 {
		retryDelay = r.retryDelay()
	}
	retryScheduledAt := now.Add(retryDelay)

	res, err := r.DB.ExecContext(ctx, `
	      UPDATE runs
	      SET
	        last_error = $2,
	        retry_count = retry_count + 1,
	        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
	        finished_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
	        scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at
	                            ELSE $4::timestamptz END,
	        solver_logs = COALESCE($5, solver_logs),
	        lease_expires_at = NULL,
	        updated_at = $6
	      WHERE id = $1 AND status = 'running'
	    `, id, errMsg, now.UTC(), retryScheduledAt.UTC(), params.SolverLogs, now.UTC())
	if err != nil {
		return false, fmt.Errorf("fail run: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Cancel applies the cancel state machine in one statement: a pending run
// commits straight to canceled, a running run gets its cancel flag set for
// the worker holding the lease, and a terminal run is left untouched.
func (r *RunRepo) Cancel(ctx context.Context, id string) (core.CancelOutcome, error) {
	now := r.timeProvider.Now().UTC()

	var status string
	err := r.DB.QueryRowContext(ctx, `
		UPDATE runs
		SET status = CASE WHEN status = 'pending' THEN 'canceled' ELSE status END,
		    cancel_requested = CASE WHEN status = 'running' THEN TRUE ELSE cancel_requested END,
		    finished_at = CASE WHEN status = 'pending' THEN $2::timestamptz ELSE finished_at END,
		    updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING status
	`, id, now).Scan(&status)

	if errors.Is(err, sql.ErrNoRows) {
		// Either the run does not exist or it is already terminal.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return core.CancelOutcome{}, getErr
		}
		return core.CancelOutcome{Terminal: true}, nil
	}
	if err != nil {
		return core.CancelOutcome{}, fmt.Errorf("cancel run: %w", err)
	}

	if status == string(model.RunStatusCanceled) {
		return core.CancelOutcome{Canceled: true}, nil
	}
	return core.CancelOutcome{Requested: true}, nil
}

// FinishCancel commits the running -> canceled transition after the worker
// observed the cancel flag and stopped the solve.
func (r *RunRepo) FinishCancel(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = 'canceled',
		    finished_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL
		WHERE id = $1 AND status = 'running'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("finish cancel: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish cancel rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// CancelRequested reports whether a cancel is pending on the run.
func (r *RunRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("cancel requested: %w", err)
	}
	return requested, nil
}

// Stats returns run counts per lifecycle state.
func (r *RunRepo) Stats(ctx context.Context) (*model.RunStats, error) {
	var s model.RunStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'succeeded') AS succeeded,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'canceled')  AS canceled
  FROM runs
  `).Scan(
		&s.Pending,
		&s.Running,
		&s.Succeeded,
		&s.Failed,
		&s.Canceled,
	)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating a new run is available.
func (r *RunRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{runAddedChannel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", runAddedChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a run by its ID.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*model.Run, error) {
	var run *model.Run
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+runColumns+`
			FROM runs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		run, err = collectRunFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// collectRunFromRows collects a single run from pgx rows.
func collectRunFromRows(rows pgx.Rows) (*model.Run, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	run, err := scanRunFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return run, nil
}

type runRowScanner interface {
	Scan(dest ...any) error
}

type runRowData struct {
	modelDoc, parameters, resultVariables	[]byte
	objectiveValue, gap, bestBound		sql.NullFloat64
	solverLogs, lastError			sql.NullString
	startedAt, finishedAt, leaseExpiresAt	sql.NullTime
}

func (d *runRowData) scanInto(scanner runRowScanner, run *model.Run) error {
	return scanner.Scan(
		&run.ID,
		&run.Status,
		&run.Solver,
		&d.modelDoc,
		&d.parameters,
		&d.objectiveValue,
		&d.gap,
		&d.bestBound,
		&d.resultVariables,
		&d.solverLogs,
		&d.lastError,
		&run.CancelRequested,
		&run.RetryCount,
		&run.MaxRetries,
		&run.ScheduledAt,
		&d.startedAt,
		&d.finishedAt,
		&d.leaseExpiresAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
}

func (d *runRowData) apply(run *model.Run) error {
	run.Model = cloneJSON(d.modelDoc)
	run.Parameters = cloneJSON(d.parameters)
	run.ObjectiveValue = cloneNullableFloat(d.objectiveValue)
	run.Gap = cloneNullableFloat(d.gap)
	run.BestBound = cloneNullableFloat(d.bestBound)
	run.SolverLogs = cloneNullableString(d.solverLogs)
	run.LastError = cloneNullableString(d.lastError)
	run.StartedAt = cloneNullableTime(d.startedAt)
	run.FinishedAt = cloneNullableTime(d.finishedAt)
	run.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)

	if len(d.resultVariables) > 0 && string(d.resultVariables) != "null" {
		if err := json.Unmarshal(d.resultVariables, &run.ResultVariables); err != nil {
			return fmt.Errorf("decode result variables: %w", err)
		}
	}
	return nil
}

func scanRunFromRow(scanner runRowScanner) (*model.Run, error) {
	run := &model.Run{}
	var data runRowData
	if err := data.scanInto(scanner, run); err != nil {
		return nil, err
	}
	if err := data.apply(run); err != nil {
		return nil, err
	}
	return run, nil
}

func marshalResultVariables(vars map[string]*float64) ([]byte, error) {
	if vars == nil {
		return nil, nil
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("marshal result variables: %w", err)
	}
	return raw, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
