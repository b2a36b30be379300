package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// CallbackStatus tracks delivery of a parent-resume callback.
type CallbackStatus string

const (
	CallbackStatusPending   CallbackStatus = "pending"
	CallbackStatusDelivered CallbackStatus = "delivered"
)

// Callback records a child-run completion awaiting (or having produced) a
// resume run on the parent session. Delivery is at-most-once: a compare-and-
// set flips the record to delivered before the resume run is created, so
// concurrent processors cannot both deliver and a crash between the two
// drops the resume rather than duplicating it.
type Callback struct {
	ID              string
	ParentSessionID string
	ChildSessionID  string
	ChildRunID      string
	ChildStatus     v1.RunStatus
	Result          *v1.SessionResult
	Status          CallbackStatus
	CreatedAt       time.Time
	DeliveredAt     *time.Time
}

const callbackColumns = `id, parent_session_id, child_session_id, child_run_id, child_status,
	result, status, created_at, delivered_at`

// CreateCallback inserts a pending callback record.
func (s *Store) CreateCallback(ctx context.Context, cb *Callback) error {
	result, err := marshalJSON(cb.Result)
	if err != nil {
		return err
	}
	_, err = s.writer().ExecContext(ctx, s.rebind(
		`INSERT INTO callbacks (`+callbackColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		cb.ID, cb.ParentSessionID, cb.ChildSessionID, cb.ChildRunID,
		string(cb.ChildStatus), result, string(cb.Status), cb.CreatedAt, cb.DeliveredAt)
	return err
}

// ListPendingCallbacks returns undelivered callbacks oldest first.
func (s *Store) ListPendingCallbacks(ctx context.Context) ([]*Callback, error) {
	rows, err := s.reader().QueryContext(ctx, s.rebind(
		`SELECT `+callbackColumns+` FROM callbacks WHERE status = ? ORDER BY created_at ASC`),
		string(CallbackStatusPending))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Callback
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cb)
	}
	return result, rows.Err()
}

// MarkCallbackDelivered flips a pending callback to delivered.
// Returns ErrConflict when the callback was already delivered, which is the
// exactly-once guard for concurrent processors.
func (s *Store) MarkCallbackDelivered(ctx context.Context, id string, at time.Time) error {
	result, err := s.writer().ExecContext(ctx, s.rebind(
		`UPDATE callbacks SET status = ?, delivered_at = ? WHERE id = ? AND status = ?`),
		string(CallbackStatusDelivered), at, id, string(CallbackStatusPending))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// GetCallback retrieves a callback record by ID.
func (s *Store) GetCallback(ctx context.Context, id string) (*Callback, error) {
	row := s.reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+callbackColumns+` FROM callbacks WHERE id = ?`), id)
	cb, err := scanCallback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cb, err
}

func scanCallback(row rowScanner) (*Callback, error) {
	cb := &Callback{}
	var (
		childStatus, status string
		result              sql.NullString
		deliveredAt         sql.NullTime
	)
	err := row.Scan(&cb.ID, &cb.ParentSessionID, &cb.ChildSessionID, &cb.ChildRunID,
		&childStatus, &result, &status, &cb.CreatedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	cb.ChildStatus = v1.RunStatus(childStatus)
	cb.Status = CallbackStatus(status)
	if deliveredAt.Valid {
		cb.DeliveredAt = &deliveredAt.Time
	}
	if err := unmarshalJSON(result, &cb.Result); err != nil {
		return nil, err
	}
	return cb, nil
}
