package store

import (
	"context"
	"database/sql"
	"errors"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

const sessionColumns = `id, name, agent_name, status, parent_session_id, execution_mode,
	project_dir, hostname, created_at`

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, session *v1.Session) error {
	_, err := s.writer().ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.Name, session.AgentName, string(session.Status),
		nullString(session.ParentSessionID), string(session.ExecutionMode),
		session.ProjectDir, session.Hostname, session.CreatedAt)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	row := s.reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return session, err
}

// UpdateSessionStatus projects a run transition onto the session.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	result, err := s.writer().ExecContext(ctx,
		s.rebind(`UPDATE sessions SET status = ? WHERE id = ?`), string(status), id)
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

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

func scanSession(row rowScanner) (*v1.Session, error) {
	session := &v1.Session{}
	var (
		status, mode string
		parent       sql.NullString
	)
	err := row.Scan(&session.ID, &session.Name, &session.AgentName, &status,
		&parent, &mode, &session.ProjectDir, &session.Hostname, &session.CreatedAt)
	if err != nil {
		return nil, err
	}
	session.Status = v1.SessionStatus(status)
	session.ExecutionMode = v1.ExecutionMode(mode)
	if parent.Valid {
		session.ParentSessionID = parent.String
	}
	return session, nil
}
