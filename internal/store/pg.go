package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id        TEXT PRIMARY KEY,
	instance_name     TEXT NOT NULL,
	status            TEXT NOT NULL,
	start_time        TEXT NOT NULL,
	end_time          TEXT NOT NULL DEFAULT '',
	depth             INTEGER NOT NULL DEFAULT 0,
	parent_session_id TEXT NOT NULL DEFAULT '',
	initial_prompt    TEXT NOT NULL DEFAULT '',
	result            TEXT NOT NULL DEFAULT '',
	num_messages      INTEGER NOT NULL DEFAULT 0,
	cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_instance ON sessions(instance_name, session_id DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(instance_name, status);
`

// PGIndex is the shared postgres index backend, for deployments where many
// hosts record into one queryable view.
type PGIndex struct {
	pool *pgxpool.Pool
}

// OpenPG connects a pgx pool with the given DSN and ensures the schema.
func OpenPG(ctx context.Context, dsn string) (*PGIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect index: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	return &PGIndex{pool: pool}, nil
}

func (p *PGIndex) Upsert(ctx context.Context, row Summary) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO sessions (session_id, instance_name, status, start_time, end_time, depth,
	parent_session_id, initial_prompt, result, num_messages, cost_usd)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT(session_id) DO UPDATE SET
	status = EXCLUDED.status,
	end_time = EXCLUDED.end_time,
	result = EXCLUDED.result,
	num_messages = EXCLUDED.num_messages,
	cost_usd = EXCLUDED.cost_usd`,
		row.SessionID, row.InstanceName, row.Status, row.StartTime, row.EndTime, row.Depth,
		row.ParentSessionID, row.InitialPrompt, row.Result, row.NumMessages, row.CostUSD)
	return err
}

func (p *PGIndex) Delete(ctx context.Context, sessionID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return err
}

func (p *PGIndex) List(ctx context.Context, instance, status string, limit, offset int) ([]Summary, error) {
	query := `SELECT session_id, instance_name, status, start_time, end_time, depth,
		parent_session_id, initial_prompt, result, num_messages, cost_usd
		FROM sessions WHERE instance_name = $1`
	args := []any{instance}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY session_id DESC OFFSET $%d`, len(args)+1)
	args = append(args, offset)
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (p *PGIndex) Search(ctx context.Context, instance, query, field string, limit int) ([]Summary, error) {
	col, err := searchColumn(field)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	sqlQuery := fmt.Sprintf(`SELECT session_id, instance_name, status, start_time, end_time, depth,
		parent_session_id, initial_prompt, result, num_messages, cost_usd
		FROM sessions WHERE instance_name = $1 AND %s ILIKE $2
		ORDER BY session_id DESC LIMIT $3`, col)
	rows, err := p.pool.Query(ctx, sqlQuery, instance, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (p *PGIndex) Close() error {
	p.pool.Close()
	return nil
}
