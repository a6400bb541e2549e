package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists completion records.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS completions (
    run_id TEXT PRIMARY KEY,
    conversation_id TEXT,
    created_at INTEGER NOT NULL, -- unix milliseconds
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    finish_reason TEXT NOT NULL DEFAULT 'unknown',
    terminal_reason TEXT NOT NULL,
    tools_used TEXT NOT NULL DEFAULT '[]',
    step_count INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 1,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_completions_created_at ON completions(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_completions_model ON completions(model);
`

// OpenSQLiteStore opens (creating if needed) the database at dbPath.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record inserts rec. A second record for the same run is ignored.
func (s *SQLiteStore) Record(ctx context.Context, rec CompletionRecord) error {
	rec = rec.normalize()
	tools, err := json.Marshal(rec.ToolsUsed)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO completions (
			run_id, conversation_id, created_at, model, input_tokens, output_tokens,
			total_tokens, duration_ms, finish_reason, terminal_reason, tools_used,
			step_count, attempts, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, nullString(rec.ConversationID), rec.Timestamp.UnixMilli(), rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.DurationMs,
		rec.FinishReason, rec.TerminalReason, string(tools), rec.StepCount,
		rec.Attempts, nullString(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}
	return nil
}

// List returns records matching opts, oldest first.
func (s *SQLiteStore) List(ctx context.Context, opts FilterOptions) ([]CompletionRecord, error) {
	query := `SELECT run_id, conversation_id, created_at, model, input_tokens, output_tokens,
		duration_ms, finish_reason, terminal_reason, tools_used, step_count, attempts, error
		FROM completions`
	var where []string
	var args []any
	if !opts.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, opts.Since.UnixMilli())
	}
	if !opts.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, opts.Until.UnixMilli())
	}
	if opts.Model != "" {
		where = append(where, "model = ?")
		args = append(args, opts.Model)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	var out []CompletionRecord
	for rows.Next() {
		var (
			rec          CompletionRecord
			conversation sql.NullString
			errText      sql.NullString
			tools        string
			created      int64
		)
		if err := rows.Scan(&rec.RunID, &conversation, &created, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.DurationMs, &rec.FinishReason,
			&rec.TerminalReason, &tools, &rec.StepCount, &rec.Attempts, &errText); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		rec.ConversationID = conversation.String
		rec.Error = errText.String
		rec.Timestamp = time.UnixMilli(created)
		if err := json.Unmarshal([]byte(tools), &rec.ToolsUsed); err != nil {
			return nil, fmt.Errorf("decode tools for %s: %w", rec.RunID, err)
		}
		out = append(out, rec.normalize())
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
