package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// ErrConflict is returned when a conditional run transition matched no row,
// meaning the run was not in any of the expected source states.
var ErrConflict = errors.New("conflicting run state")

const runColumns = `id, session_id, run_number, type, agent_name, parameters, scope, status,
	runner_id, created_at, started_at, completed_at, claimed_at, stopping_at, error, error_code, resolved_blueprint`

// TxCreateRun inserts a run row, assigning the next contiguous run_number for
// its session. Callers hold the session lane, so MAX+1 cannot race.
func (s *Store) TxCreateRun(ctx context.Context, tx *sqlx.Tx, run *v1.Run) error {
	if run.RunNumber == 0 {
		var maxNumber sql.NullInt64
		err := tx.QueryRowContext(ctx,
			tx.Rebind(`SELECT MAX(run_number) FROM runs WHERE session_id = ?`),
			run.SessionID).Scan(&maxNumber)
		if err != nil {
			return fmt.Errorf("failed to compute run number: %w", err)
		}
		run.RunNumber = int(maxNumber.Int64) + 1
	}

	parameters, err := marshalJSON(run.Parameters)
	if err != nil {
		return err
	}
	scope, err := marshalJSON(run.Scope)
	if err != nil {
		return err
	}
	blueprint, err := marshalJSON(run.ResolvedBlueprint)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.SessionID, run.RunNumber, string(run.Type), run.AgentName,
		parameters, scope, string(run.Status), nullString(run.RunnerID),
		run.CreatedAt, run.StartedAt, run.CompletedAt, nil, nil, run.Error, run.ErrorCode, blueprint)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	row := s.reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ClaimRun transitions a pending run to claimed for the given runner.
// Returns ErrConflict if the run is no longer pending.
func (s *Store) ClaimRun(ctx context.Context, runID, runnerID string, at time.Time) error {
	return s.transition(ctx, runID,
		`UPDATE runs SET status = ?, runner_id = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		string(v1.RunStatusClaimed), runnerID, at, runID, string(v1.RunStatusPending))
}

// ReleaseRun returns a claimed run to pending when its lease expires.
func (s *Store) ReleaseRun(ctx context.Context, runID string) error {
	return s.transition(ctx, runID,
		`UPDATE runs SET status = ?, runner_id = NULL, claimed_at = NULL WHERE id = ? AND status = ?`,
		string(v1.RunStatusPending), runID, string(v1.RunStatusClaimed))
}

// MarkRunRunning transitions a claimed run to running.
func (s *Store) MarkRunRunning(ctx context.Context, runID string, at time.Time) error {
	return s.transition(ctx, runID,
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(v1.RunStatusRunning), at, runID, string(v1.RunStatusClaimed))
}

// MarkRunStopping transitions a claimed or running run to stopping.
func (s *Store) MarkRunStopping(ctx context.Context, runID string, at time.Time) error {
	return s.transition(ctx, runID,
		`UPDATE runs SET status = ?, stopping_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(v1.RunStatusStopping), at, runID,
		string(v1.RunStatusClaimed), string(v1.RunStatusRunning))
}

// MarkRunTerminal moves a run into a terminal state. A run may only complete
// after its runner reported it running; failed and stopped finalize from any
// non-terminal state (dispatch timeouts and stop-before-claim both terminate
// pending runs).
func (s *Store) MarkRunTerminal(ctx context.Context, runID string, status v1.RunStatus, runError, errorCode string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	if status == v1.RunStatusCompleted {
		return s.transition(ctx, runID,
			`UPDATE runs SET status = ?, error = ?, error_code = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
			string(status), runError, errorCode, at, runID,
			string(v1.RunStatusRunning), string(v1.RunStatusStopping))
	}
	return s.transition(ctx, runID,
		`UPDATE runs SET status = ?, error = ?, error_code = ?, completed_at = ? WHERE id = ? AND status IN (?, ?, ?, ?)`,
		string(status), runError, errorCode, at, runID,
		string(v1.RunStatusPending), string(v1.RunStatusClaimed),
		string(v1.RunStatusRunning), string(v1.RunStatusStopping))
}

func (s *Store) transition(ctx context.Context, runID, query string, args ...any) error {
	result, err := s.writer().ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing run from a state conflict.
		if _, getErr := s.GetRun(ctx, runID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ListRunsBySession returns a session's runs in run-number order.
func (s *Store) ListRunsBySession(ctx context.Context, sessionID string) ([]*v1.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE session_id = ? ORDER BY run_number ASC`, sessionID)
}

// LatestRunBySession returns the run with the highest run_number, or ErrNotFound.
func (s *Store) LatestRunBySession(ctx context.Context, sessionID string) (*v1.Run, error) {
	row := s.reader().QueryRowContext(ctx, s.rebind(
		`SELECT `+runColumns+` FROM runs WHERE session_id = ? ORDER BY run_number DESC LIMIT 1`),
		sessionID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ActiveRunBySession returns the session's single non-terminal run, or ErrNotFound.
func (s *Store) ActiveRunBySession(ctx context.Context, sessionID string) (*v1.Run, error) {
	row := s.reader().QueryRowContext(ctx, s.rebind(
		`SELECT `+runColumns+` FROM runs WHERE session_id = ? AND status IN (?, ?, ?, ?)
		 ORDER BY run_number DESC LIMIT 1`),
		sessionID, string(v1.RunStatusPending), string(v1.RunStatusClaimed),
		string(v1.RunStatusRunning), string(v1.RunStatusStopping))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListPendingRuns returns pending runs oldest first (FIFO dispatch order).
func (s *Store) ListPendingRuns(ctx context.Context) ([]*v1.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC`,
		string(v1.RunStatusPending))
}

// ListPendingRunsBefore returns pending runs created before the cutoff.
func (s *Store) ListPendingRunsBefore(ctx context.Context, cutoff time.Time) ([]*v1.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? AND created_at < ? ORDER BY created_at ASC`,
		string(v1.RunStatusPending), cutoff)
}

// ListClaimedRunsBefore returns claimed runs whose claim predates the cutoff.
func (s *Store) ListClaimedRunsBefore(ctx context.Context, cutoff time.Time) ([]*v1.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? AND claimed_at < ? ORDER BY claimed_at ASC`,
		string(v1.RunStatusClaimed), cutoff)
}

// ListStoppingRunsBefore returns stopping runs not acknowledged before the cutoff.
func (s *Store) ListStoppingRunsBefore(ctx context.Context, cutoff time.Time) ([]*v1.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? AND stopping_at < ? ORDER BY stopping_at ASC`,
		string(v1.RunStatusStopping), cutoff)
}

// ListActiveRunsByRunner returns the claimed/running/stopping runs held by a runner.
func (s *Store) ListActiveRunsByRunner(ctx context.Context, runnerID string) ([]*v1.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE runner_id = ? AND status IN (?, ?, ?) ORDER BY created_at ASC`,
		runnerID, string(v1.RunStatusClaimed), string(v1.RunStatusRunning), string(v1.RunStatusStopping))
}

// CountRunsByStatus returns run counts grouped by status.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[v1.RunStatus]int, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[v1.RunStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[v1.RunStatus(status)] = count
	}
	return counts, rows.Err()
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*v1.Run, error) {
	rows, err := s.reader().QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func scanRun(row rowScanner) (*v1.Run, error) {
	run := &v1.Run{}
	var (
		runType, status                               string
		parameters, scope, blueprint, runner          sql.NullString
		startedAt, completedAt, claimedAt, stoppingAt sql.NullTime
	)
	err := row.Scan(&run.ID, &run.SessionID, &run.RunNumber, &runType, &run.AgentName,
		&parameters, &scope, &status, &runner, &run.CreatedAt,
		&startedAt, &completedAt, &claimedAt, &stoppingAt, &run.Error, &run.ErrorCode, &blueprint)
	if err != nil {
		return nil, err
	}
	run.Type = v1.RunType(runType)
	run.Status = v1.RunStatus(status)
	if runner.Valid {
		run.RunnerID = runner.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if err := unmarshalJSON(parameters, &run.Parameters); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(scope, &run.Scope); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(blueprint, &run.ResolvedBlueprint); err != nil {
		return nil, err
	}
	return run, nil
}
