// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Creates the ledger schema on open and stores timestamps as fixed-width UTC text

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS provider_events (
			event_id      TEXT PRIMARY KEY,
			provider_id   TEXT NOT NULL,
			from_state    TEXT NOT NULL,
			to_state      TEXT NOT NULL,
			restart_count INTEGER NOT NULL DEFAULT 0,
			reason        TEXT NOT NULL DEFAULT '',
			fatal         INTEGER NOT NULL DEFAULT 0,
			at            TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_provider_events_provider_at
			ON provider_events(provider_id, at);

		CREATE TABLE IF NOT EXISTS tool_calls (
			call_id     TEXT PRIMARY KEY,
			tool        TEXT NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_tool_started
			ON tool_calls(tool, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeFormat is fixed width so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// AppendProviderEvent persists a provider transition, assigning an id and
// timestamp when missing.
func (s *SQLiteStore) AppendProviderEvent(ctx context.Context, ev *ProviderEvent) error {
	if ev.ProviderID == "" {
		return errors.New("provider id is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_events (event_id, provider_id, from_state, to_state, restart_count, reason, fatal, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProviderID, ev.From, ev.To, ev.RestartCount, ev.Reason, ev.Fatal, formatTime(ev.At),
	)
	if err != nil {
		return fmt.Errorf("inserting provider event: %w", err)
	}
	return nil
}

const providerEventColumns = `event_id, provider_id, from_state, to_state, restart_count, reason, fatal, at`

func scanProviderEvent(row interface{ Scan(...any) error }) (*ProviderEvent, error) {
	var ev ProviderEvent
	var at string
	if err := row.Scan(&ev.ID, &ev.ProviderID, &ev.From, &ev.To, &ev.RestartCount, &ev.Reason, &ev.Fatal, &at); err != nil {
		return nil, err
	}
	t, err := parseTime(at)
	if err != nil {
		return nil, err
	}
	ev.At = t
	return &ev, nil
}

// GetProviderEvent returns one event by id.
func (s *SQLiteStore) GetProviderEvent(ctx context.Context, id string) (*ProviderEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerEventColumns+` FROM provider_events WHERE event_id = ?`, id)
	ev, err := scanProviderEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider event: %w", err)
	}
	return ev, nil
}

// ListProviderEvents returns events newest first.
func (s *SQLiteStore) ListProviderEvents(ctx context.Context, p ListEventsParams) ([]ProviderEvent, error) {
	var (
		where []string
		args  []any
	)
	if p.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, p.ProviderID)
	}
	query := `SELECT ` + providerEventColumns + ` FROM provider_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, rowid DESC LIMIT ?"
	args = append(args, clampLimit(p.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying provider events: %w", err)
	}
	defer rows.Close()

	var out []ProviderEvent
	for rows.Next() {
		ev, err := scanProviderEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// AppendToolCall persists a finished call.
func (s *SQLiteStore) AppendToolCall(ctx context.Context, call *ToolCall) error {
	if call.Tool == "" {
		return errors.New("tool is required")
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (call_id, tool, provider_id, outcome, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.Tool, call.ProviderID, call.Outcome, call.Error,
		formatTime(call.StartedAt), call.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns calls newest first.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, p ListCallsParams) ([]ToolCall, error) {
	query := `SELECT call_id, tool, provider_id, outcome, error, started_at, duration_ms FROM tool_calls`
	var args []any
	if p.Tool != "" {
		query += " WHERE tool = ?"
		args = append(args, p.Tool)
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, clampLimit(p.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var (
			c         ToolCall
			startedAt string
			ms        int64
		)
		if err := rows.Scan(&c.ID, &c.Tool, &c.ProviderID, &c.Outcome, &c.Error, &startedAt, &ms); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}
		if c.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		c.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
