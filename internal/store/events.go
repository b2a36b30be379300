package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// Event journal operations. Events are append-only: there is no update or
// delete path, and sequence numbers are assigned inside the append
// transaction so they are dense per session.

const eventColumns = `session_id, seq, run_id, event_type, timestamp, payload`

// AppendEvent persists an event, assigning the next sequence number for its
// session. The assigned sequence is written back into the event.
func (s *Store) AppendEvent(ctx context.Context, event *v1.Event) error {
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		var maxSeq sql.NullInt64
		err := tx.QueryRowContext(ctx,
			tx.Rebind(`SELECT MAX(seq) FROM events WHERE session_id = ?`),
			event.SessionID).Scan(&maxSeq)
		if err != nil {
			return fmt.Errorf("failed to compute event sequence: %w", err)
		}
		event.Sequence = maxSeq.Int64 + 1

		payload, err := marshalJSON(event.Payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			event.SessionID, event.Sequence, nullString(event.RunID),
			event.Type, event.Timestamp, payload)
		return err
	})
}

// ListEventsSince returns a session's events with seq > since, in order.
func (s *Store) ListEventsSince(ctx context.Context, sessionID string, since int64) ([]*v1.Event, error) {
	rows, err := s.reader().QueryContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`),
		sessionID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

// LastEventOfType returns the most recent event of the given type for a
// session, or ErrNotFound. Used for result lookup and the legacy
// last-assistant-message fallback.
func (s *Store) LastEventOfType(ctx context.Context, sessionID, eventType string) (*v1.Event, error) {
	row := s.reader().QueryRowContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM events
		 WHERE event_type = ? AND session_id = ? ORDER BY seq DESC LIMIT 1`),
		eventType, sessionID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

// LastEventOfTypeForRun is LastEventOfType restricted to a single run.
func (s *Store) LastEventOfTypeForRun(ctx context.Context, sessionID, runID, eventType string) (*v1.Event, error) {
	row := s.reader().QueryRowContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM events
		 WHERE event_type = ? AND session_id = ? AND run_id = ? ORDER BY seq DESC LIMIT 1`),
		eventType, sessionID, runID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

// LastEventSequence returns the highest sequence for a session (0 when empty).
func (s *Store) LastEventSequence(ctx context.Context, sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.reader().QueryRowContext(ctx,
		s.rebind(`SELECT MAX(seq) FROM events WHERE session_id = ?`), sessionID).Scan(&maxSeq)
	if err != nil {
		return 0, err
	}
	return maxSeq.Int64, nil
}

func scanEvent(row rowScanner) (*v1.Event, error) {
	event := &v1.Event{}
	var (
		runID   sql.NullString
		payload sql.NullString
	)
	err := row.Scan(&event.SessionID, &event.Sequence, &runID, &event.Type,
		&event.Timestamp, &payload)
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		event.RunID = runID.String
	}
	if err := unmarshalJSON(payload, &event.Payload); err != nil {
		return nil, err
	}
	return event, nil
}
