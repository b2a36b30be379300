package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/drover-ai/drover/internal/db/dialect"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

const runnerColumns = `id, hostname, project_dir, tags, executor_profile, executor,
	require_matching_tags, status, last_heartbeat, registered_at`

// TxUpsertRunner inserts or replaces a runner row within a transaction.
// Registration replaces a runner's declared agents atomically, so the runner
// row and its agent rows always travel together.
func (s *Store) TxUpsertRunner(ctx context.Context, tx *sqlx.Tx, runner *v1.Runner) error {
	tags, err := marshalJSON(runner.Tags)
	if err != nil {
		return err
	}
	executor, err := marshalJSON(runner.Executor)
	if err != nil {
		return err
	}

	query := `INSERT INTO runners (` + runnerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname,
			project_dir = excluded.project_dir,
			tags = excluded.tags,
			executor_profile = excluded.executor_profile,
			executor = excluded.executor,
			require_matching_tags = excluded.require_matching_tags,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat`
	_, err = tx.ExecContext(ctx, tx.Rebind(query),
		runner.ID, runner.Hostname, runner.ProjectDir, tags,
		runner.ExecutorProfile, executor, dialect.BoolToInt(runner.RequireMatchingTags),
		string(runner.Status), runner.LastHeartbeat, runner.RegisteredAt)
	return err
}

// GetRunner retrieves a runner by registration ID.
func (s *Store) GetRunner(ctx context.Context, id string) (*v1.Runner, error) {
	row := s.reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+runnerColumns+` FROM runners WHERE id = ?`), id)
	runner, err := scanRunner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return runner, err
}

// ListRunners returns all runner rows with the given statuses (all when empty).
func (s *Store) ListRunners(ctx context.Context, statuses ...v1.RunnerStatus) ([]*v1.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM runners`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?`
		for i := 1; i < len(statuses); i++ {
			query += `, ?`
		}
		query += `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY registered_at ASC`

	rows, err := s.reader().QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Runner
	for rows.Next() {
		runner, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, runner)
	}
	return result, rows.Err()
}

// UpdateRunnerHeartbeat records a heartbeat and reactivates a stale runner.
func (s *Store) UpdateRunnerHeartbeat(ctx context.Context, id string, at time.Time) error {
	result, err := s.writer().ExecContext(ctx, s.rebind(
		`UPDATE runners SET last_heartbeat = ?, status = ? WHERE id = ? AND status != ?`),
		at, string(v1.RunnerStatusActive), id, string(v1.RunnerStatusRemoved))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRunnerStatus transitions a runner's lifecycle state.
func (s *Store) UpdateRunnerStatus(ctx context.Context, id string, status v1.RunnerStatus) error {
	_, err := s.writer().ExecContext(ctx,
		s.rebind(`UPDATE runners SET status = ? WHERE id = ?`), string(status), id)
	return err
}

// TxUpdateRunnerStatus transitions a runner's lifecycle state within a transaction.
func (s *Store) TxUpdateRunnerStatus(ctx context.Context, tx *sqlx.Tx, id string, status v1.RunnerStatus) error {
	_, err := tx.ExecContext(ctx,
		tx.Rebind(`UPDATE runners SET status = ? WHERE id = ?`), string(status), id)
	return err
}

func scanRunner(row rowScanner) (*v1.Runner, error) {
	runner := &v1.Runner{}
	var (
		tags, executor sql.NullString
		requireTags    int
		status         string
	)
	err := row.Scan(&runner.ID, &runner.Hostname, &runner.ProjectDir, &tags,
		&runner.ExecutorProfile, &executor, &requireTags, &status,
		&runner.LastHeartbeat, &runner.RegisteredAt)
	if err != nil {
		return nil, err
	}
	runner.Status = v1.RunnerStatus(status)
	runner.RequireMatchingTags = requireTags != 0
	if err := unmarshalJSON(tags, &runner.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(executor, &runner.Executor); err != nil {
		return nil, err
	}
	return runner, nil
}
