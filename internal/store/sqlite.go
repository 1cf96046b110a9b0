package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
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
	cost_usd          REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_instance ON sessions(instance_name, session_id DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(instance_name, status);
`

// SQLiteIndex is the single-file index backend.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the index database at path.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// One writer at a time keeps modernc's file locking happy.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

func (s *SQLiteIndex) Upsert(ctx context.Context, row Summary) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, instance_name, status, start_time, end_time, depth,
	parent_session_id, initial_prompt, result, num_messages, cost_usd)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	status = excluded.status,
	end_time = excluded.end_time,
	result = excluded.result,
	num_messages = excluded.num_messages,
	cost_usd = excluded.cost_usd`,
		row.SessionID, row.InstanceName, row.Status, row.StartTime, row.EndTime, row.Depth,
		row.ParentSessionID, row.InitialPrompt, row.Result, row.NumMessages, row.CostUSD)
	return err
}

func (s *SQLiteIndex) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteIndex) List(ctx context.Context, instance, status string, limit, offset int) ([]Summary, error) {
	query := `SELECT session_id, instance_name, status, start_time, end_time, depth,
		parent_session_id, initial_prompt, result, num_messages, cost_usd
		FROM sessions WHERE instance_name = ?`
	args := []any{instance}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY session_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	} else {
		query += ` LIMIT -1`
	}
	query += ` OFFSET ?`
	args = append(args, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *SQLiteIndex) Search(ctx context.Context, instance, query, field string, limit int) ([]Summary, error) {
	col, err := searchColumn(field)
	if err != nil {
		return nil, err
	}
	sqlQuery := fmt.Sprintf(`SELECT session_id, instance_name, status, start_time, end_time, depth,
		parent_session_id, initial_prompt, result, num_messages, cost_usd
		FROM sessions WHERE instance_name = ? AND %s LIKE ? ESCAPE '\'
		ORDER BY session_id DESC LIMIT ?`, col)
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, sqlQuery, instance, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func searchColumn(field string) (string, error) {
	switch field {
	case "initial_prompt":
		return "initial_prompt", nil
	case "result":
		return "result", nil
	default:
		return "", fmt.Errorf("store: unknown search field %q", field)
	}
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSummaries(rows rowScanner) ([]Summary, error) {
	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.SessionID, &s.InstanceName, &s.Status, &s.StartTime, &s.EndTime,
			&s.Depth, &s.ParentSessionID, &s.InitialPrompt, &s.Result, &s.NumMessages, &s.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
