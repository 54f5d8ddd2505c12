package requestlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores entries in a sessions table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			request_id TEXT,
			dialect TEXT NOT NULL,
			model TEXT NOT NULL,
			upstream_model TEXT,
			effort TEXT,
			streaming INTEGER NOT NULL DEFAULT 0,
			status INTEGER NOT NULL,
			stop_reason TEXT,
			input_tokens INTEGER,
			output_tokens INTEGER,
			images INTEGER,
			tool_calls TEXT,
			error_type TEXT,
			error_message TEXT,
			duration_ms INTEGER,
			upstream_request TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteSink) Append(ctx context.Context, e *Entry) error {
	tools, err := json.Marshal(e.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	var upstream *string
	if len(e.Upstream) > 0 {
		v := string(e.Upstream)
		upstream = &v
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, request_id, dialect, model, upstream_model, effort,
			streaming, status, stop_reason, input_tokens, output_tokens, images,
			tool_calls, error_type, error_message, duration_ms, upstream_request, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.RequestID, e.Dialect, e.Model, e.UpstreamModel, e.Effort,
		e.Stream, e.Status, e.StopReason, e.InputTokens, e.OutputTokens, e.Images,
		string(tools), e.ErrorType, e.ErrorMessage, e.DurationMs, upstream, e.Time,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, request_id, dialect, model, upstream_model, effort,
			streaming, status, stop_reason, input_tokens, output_tokens, images,
			tool_calls, error_type, error_message, duration_ms, upstream_request, created_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e        Entry
			tools    string
			upstream sql.NullString
			created  time.Time
		)
		if err := rows.Scan(
			&e.SessionID, &e.RequestID, &e.Dialect, &e.Model, &e.UpstreamModel, &e.Effort,
			&e.Stream, &e.Status, &e.StopReason, &e.InputTokens, &e.OutputTokens, &e.Images,
			&tools, &e.ErrorType, &e.ErrorMessage, &e.DurationMs, &upstream, &created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if tools != "" && tools != "null" {
			if err := json.Unmarshal([]byte(tools), &e.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		if upstream.Valid {
			e.Upstream = json.RawMessage(upstream.String)
		}
		e.Time = created
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
