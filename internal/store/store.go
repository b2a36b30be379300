// Package store provides the coordinator's typed persistence layer. All SQL
// lives here; other components speak in pkg/api/v1 types. Multi-row
// mutations (runner re-registration, failing orphaned runs) run inside a
// single transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/drover-ai/drover/internal/db"
	"github.com/drover-ai/drover/internal/db/dialect"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQL-backed storage for all coordinator entities.
type Store struct {
	pool   *db.Pool
	driver string
}

// New creates a Store over the given pool and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool, driver: pool.DriverName()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// InTx runs fn inside a write transaction, committing on nil error.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) writer() *sqlx.DB { return s.pool.Writer() }
func (s *Store) reader() *sqlx.DB { return s.pool.Reader() }

// rebind converts ? placeholders to the driver's syntax.
func (s *Store) rebind(query string) string {
	return s.pool.Writer().Rebind(query)
}

// autoIncrementPK returns the column definition for a self-assigning
// integer primary key.
func (s *Store) autoIncrementPK() string {
	if dialect.IsPostgres(s.driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			parameters_schema TEXT,
			output_schema TEXT,
			system_prompt TEXT NOT NULL DEFAULT '',
			mcp_servers TEXT,
			hooks TEXT,
			demands TEXT,
			executor_profile TEXT NOT NULL DEFAULT '',
			config TEXT,
			runner_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runners (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			project_dir TEXT NOT NULL DEFAULT '',
			tags TEXT,
			executor_profile TEXT NOT NULL DEFAULT '',
			executor TEXT,
			require_matching_tags INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			last_heartbeat TIMESTAMP NOT NULL,
			registered_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_session_id TEXT,
			execution_mode TEXT NOT NULL DEFAULT '',
			project_dir TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			run_number INTEGER NOT NULL,
			type TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			parameters TEXT,
			scope TEXT,
			status TEXT NOT NULL,
			runner_id TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			claimed_at TIMESTAMP,
			stopping_at TIMESTAMP,
			error TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			resolved_blueprint TEXT,
			UNIQUE (session_id, run_number)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			run_id TEXT,
			event_type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			payload TEXT,
			UNIQUE (session_id, seq)
		)`, s.autoIncrementPK()),
		`CREATE TABLE IF NOT EXISTS callbacks (
			id TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			child_session_id TEXT NOT NULL,
			child_run_id TEXT NOT NULL,
			child_status TEXT NOT NULL,
			result TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			delivered_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS hook_records (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			hook_type TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			outcome TEXT NOT NULL DEFAULT '',
			block_reason TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.writer().Exec(stmt); err != nil {
			return err
		}
	}
	return s.ensureIndexes()
}

func (s *Store) ensureIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_session ON events(event_type, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_runner ON runs(runner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_runner ON agents(runner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_callbacks_status ON callbacks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id)`,
	}
	for _, stmt := range indexes {
		if _, err := s.writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// marshalJSON serializes v for a nullable JSON text column.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to serialize json column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalJSON deserializes a nullable JSON text column into out.
func unmarshalJSON(col sql.NullString, out any) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), out); err != nil {
		return fmt.Errorf("failed to deserialize json column: %w", err)
	}
	return nil
}
