package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// Agent blueprint operations. Names are globally unique across file-backed
// and runner-declared blueprints; uniqueness is enforced by the primary key
// and checked up front at runner registration.

const agentColumns = `name, type, description, parameters_schema, output_schema, system_prompt,
	mcp_servers, hooks, demands, executor_profile, config, runner_id, created_at, updated_at`

// CreateAgent inserts a blueprint row.
func (s *Store) CreateAgent(ctx context.Context, agent *v1.Agent) error {
	return s.execUpsertAgent(ctx, nil, agent, false)
}

// UpsertAgent inserts or replaces a blueprint row.
func (s *Store) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	return s.execUpsertAgent(ctx, nil, agent, true)
}

// TxUpsertAgent inserts or replaces a blueprint row within a transaction.
func (s *Store) TxUpsertAgent(ctx context.Context, tx *sqlx.Tx, agent *v1.Agent) error {
	return s.execUpsertAgent(ctx, tx, agent, true)
}

func (s *Store) execUpsertAgent(ctx context.Context, tx *sqlx.Tx, agent *v1.Agent, replace bool) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	mcpServers, err := marshalJSON(agent.MCPServers)
	if err != nil {
		return err
	}
	hooks, err := marshalJSON(agent.Hooks)
	if err != nil {
		return err
	}
	demands, err := marshalJSON(agent.Demands)
	if err != nil {
		return err
	}
	config, err := marshalJSON(agent.Config)
	if err != nil {
		return err
	}

	query := `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if replace {
		query += ` ON CONFLICT (name) DO UPDATE SET
			type = excluded.type,
			description = excluded.description,
			parameters_schema = excluded.parameters_schema,
			output_schema = excluded.output_schema,
			system_prompt = excluded.system_prompt,
			mcp_servers = excluded.mcp_servers,
			hooks = excluded.hooks,
			demands = excluded.demands,
			executor_profile = excluded.executor_profile,
			config = excluded.config,
			runner_id = excluded.runner_id,
			updated_at = excluded.updated_at`
	}

	args := []any{
		agent.Name, string(agent.Type), agent.Description,
		rawMessageColumn(agent.ParametersSchema), rawMessageColumn(agent.OutputSchema),
		agent.SystemPrompt, mcpServers, hooks, demands,
		agent.ExecutorProfile, config, nullString(agent.RunnerID),
		agent.CreatedAt, agent.UpdatedAt,
	}

	if tx != nil {
		_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
	} else {
		_, err = s.writer().ExecContext(ctx, s.rebind(query), args...)
	}
	return err
}

// GetAgent retrieves a blueprint by name.
func (s *Store) GetAgent(ctx context.Context, name string) (*v1.Agent, error) {
	row := s.reader().QueryRowContext(ctx,
		s.rebind(`SELECT `+agentColumns+` FROM agents WHERE name = ?`), name)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return agent, err
}

// TxGetAgent retrieves a blueprint by name on the transaction's connection,
// so the read serializes with concurrent writers instead of racing them on
// the reader pool.
func (s *Store) TxGetAgent(ctx context.Context, tx *sqlx.Tx, name string) (*v1.Agent, error) {
	row := tx.QueryRowContext(ctx,
		tx.Rebind(`SELECT `+agentColumns+` FROM agents WHERE name = ?`), name)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return agent, err
}

// ListAgents returns all blueprints ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

// ListAgentsByRunner returns the blueprints a runner declared.
func (s *Store) ListAgentsByRunner(ctx context.Context, runnerID string) ([]*v1.Agent, error) {
	rows, err := s.reader().QueryContext(ctx,
		s.rebind(`SELECT `+agentColumns+` FROM agents WHERE runner_id = ? ORDER BY name ASC`), runnerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

// DeleteAgent removes a blueprint by name.
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	result, err := s.writer().ExecContext(ctx, s.rebind(`DELETE FROM agents WHERE name = ?`), name)
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

// TxDeleteAgentsByRunner removes all blueprints a runner declared.
func (s *Store) TxDeleteAgentsByRunner(ctx context.Context, tx *sqlx.Tx, runnerID string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM agents WHERE runner_id = ?`), runnerID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*v1.Agent, error) {
	agent := &v1.Agent{}
	var (
		agentType                                  string
		paramsSchema, outputSchema                 sql.NullString
		mcpServers, hooks, demands, config, runner sql.NullString
	)
	err := row.Scan(&agent.Name, &agentType, &agent.Description,
		&paramsSchema, &outputSchema, &agent.SystemPrompt,
		&mcpServers, &hooks, &demands, &agent.ExecutorProfile, &config, &runner,
		&agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	agent.Type = v1.AgentType(agentType)
	if paramsSchema.Valid && paramsSchema.String != "" {
		agent.ParametersSchema = json.RawMessage(paramsSchema.String)
	}
	if outputSchema.Valid && outputSchema.String != "" {
		agent.OutputSchema = json.RawMessage(outputSchema.String)
	}
	if err := unmarshalJSON(mcpServers, &agent.MCPServers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(hooks, &agent.Hooks); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(demands, &agent.Demands); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(config, &agent.Config); err != nil {
		return nil, err
	}
	if runner.Valid {
		agent.RunnerID = runner.String
	}
	return agent, nil
}

func rawMessageColumn(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
