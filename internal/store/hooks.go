package store

import (
	"context"
	"database/sql"
	"time"
)

// HookOutcome is the recorded result of one hook invocation.
type HookOutcome string

const (
	HookOutcomeContinue HookOutcome = "continue"
	HookOutcomeBlock    HookOutcome = "block"
	HookOutcomeFailed   HookOutcome = "failed"
)

// HookRecord captures one hook invocation for observability.
type HookRecord struct {
	ID          string
	RunID       string
	HookType    string // on_run_start or on_run_finish
	AgentName   string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Outcome     HookOutcome
	BlockReason string
	Error       string
}

const hookRecordColumns = `id, run_id, hook_type, agent_name, started_at, finished_at,
	outcome, block_reason, error`

// CreateHookRecord inserts a hook invocation record.
func (s *Store) CreateHookRecord(ctx context.Context, rec *HookRecord) error {
	_, err := s.writer().ExecContext(ctx, s.rebind(
		`INSERT INTO hook_records (`+hookRecordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.RunID, rec.HookType, rec.AgentName, rec.StartedAt,
		rec.FinishedAt, string(rec.Outcome), rec.BlockReason, rec.Error)
	return err
}

// FinishHookRecord records the outcome of a hook invocation.
func (s *Store) FinishHookRecord(ctx context.Context, id string, outcome HookOutcome, blockReason, hookError string, at time.Time) error {
	_, err := s.writer().ExecContext(ctx, s.rebind(
		`UPDATE hook_records SET finished_at = ?, outcome = ?, block_reason = ?, error = ? WHERE id = ?`),
		at, string(outcome), blockReason, hookError, id)
	return err
}

// ListHookRecordsByRun returns a run's hook invocations oldest first.
func (s *Store) ListHookRecordsByRun(ctx context.Context, runID string) ([]*HookRecord, error) {
	rows, err := s.reader().QueryContext(ctx, s.rebind(
		`SELECT `+hookRecordColumns+` FROM hook_records WHERE run_id = ? ORDER BY started_at ASC`),
		runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*HookRecord
	for rows.Next() {
		rec := &HookRecord{}
		var finishedAt sql.NullTime
		var outcome string
		err := rows.Scan(&rec.ID, &rec.RunID, &rec.HookType, &rec.AgentName,
			&rec.StartedAt, &finishedAt, &outcome, &rec.BlockReason, &rec.Error)
		if err != nil {
			return nil, err
		}
		rec.Outcome = HookOutcome(outcome)
		if finishedAt.Valid {
			rec.FinishedAt = &finishedAt.Time
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}
