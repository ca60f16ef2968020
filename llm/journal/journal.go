// Package journal records completion calls in a local SQLite database so a
// generation can be inspected after the fact (prompt, raw output, attempts).
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/scopecraft/llm"

	_ "modernc.org/sqlite"
)

// previewLen bounds the response text kept in listings.
const previewLen = 500

// timeLayout is fixed-width so started_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal is an llm.CallRecorder backed by SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Entry is a journal row as returned by Recent.
type Entry struct {
	RequestID       string        `json:"request_id"`
	Phase           string        `json:"phase"`
	Model           string        `json:"model"`
	Provider        string        `json:"provider"`
	Attempts        int           `json:"attempts"`
	Duration        time.Duration `json:"duration"`
	TotalTokens     int           `json:"total_tokens"`
	Error           string        `json:"error,omitempty"`
	ResponsePreview string        `json:"response_preview"`
	StartedAt       time.Time     `json:"started_at"`
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// Open opens (creating if needed) the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	// One connection keeps the per-connection pragmas in force.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: pragma %q: %w", p, err)
		}
	}

	j := &Journal{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migration: %w", err)
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS calls (
			request_id        TEXT PRIMARY KEY,
			phase             TEXT NOT NULL DEFAULT '',
			model             TEXT NOT NULL DEFAULT '',
			provider          TEXT NOT NULL DEFAULT '',
			messages          TEXT NOT NULL,
			response          TEXT NOT NULL DEFAULT '',
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens      INTEGER NOT NULL DEFAULT 0,
			finish_reason     TEXT NOT NULL DEFAULT '',
			attempts          INTEGER NOT NULL DEFAULT 0,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			error             TEXT NOT NULL DEFAULT '',
			started_at        TEXT NOT NULL,
			completed_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_calls_phase ON calls(phase);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record implements llm.CallRecorder.
func (j *Journal) Record(ctx context.Context, r *llm.CallRecord) error {
	if r.RequestID == "" {
		return fmt.Errorf("journal: request_id is required")
	}

	messages, err := json.Marshal(r.Messages)
	if err != nil {
		return fmt.Errorf("journal: marshal messages: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO calls (request_id, phase, model, provider, messages, response,
			prompt_tokens, completion_tokens, total_tokens, finish_reason,
			attempts, duration_ms, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Phase, r.Model, r.Provider, string(messages), r.Response,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.FinishReason,
		r.Attempts, r.Duration.Milliseconds(), r.Error,
		r.StartedAt.UTC().Format(timeLayout), r.CompletedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", r.RequestID, err)
	}

	j.logger.Debug("Journaled LLM call", "request_id", r.RequestID, "phase", r.Phase)
	return nil
}

// Recent returns up to limit entries, newest first. A non-empty phase filters.
func (j *Journal) Recent(ctx context.Context, limit int, phase string) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT request_id, phase, model, provider, attempts, duration_ms,
			total_tokens, error, substr(response, 1, ?), started_at
		FROM calls`
	args := []any{previewLen}
	if phase != "" {
		query += ` WHERE phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			durationMs int64
			started    string
		)
		if err := rows.Scan(&e.RequestID, &e.Phase, &e.Model, &e.Provider, &e.Attempts,
			&durationMs, &e.TotalTokens, &e.Error, &e.ResponsePreview, &started); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.StartedAt, _ = time.Parse(timeLayout, started)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the full record for a request id, or sql.ErrNoRows.
func (j *Journal) Get(ctx context.Context, requestID string) (*llm.CallRecord, error) {
	var (
		r                  llm.CallRecord
		messages           string
		durationMs         int64
		started, completed string
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT request_id, phase, model, provider, messages, response,
			prompt_tokens, completion_tokens, total_tokens, finish_reason,
			attempts, duration_ms, error, started_at, completed_at
		FROM calls WHERE request_id = ?`, requestID).Scan(
		&r.RequestID, &r.Phase, &r.Model, &r.Provider, &messages, &r.Response,
		&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.FinishReason,
		&r.Attempts, &durationMs, &r.Error, &started, &completed,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(messages), &r.Messages); err != nil {
		return nil, fmt.Errorf("journal: decode messages for %s: %w", requestID, err)
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.StartedAt, _ = time.Parse(timeLayout, started)
	r.CompletedAt, _ = time.Parse(timeLayout, completed)
	return &r, nil
}
