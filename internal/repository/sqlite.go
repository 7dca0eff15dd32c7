package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/exectrack/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			persona TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			total_duration INTEGER,
			result TEXT,
			error_details TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_updated ON executions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			outcome TEXT,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_execution ON events(execution_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertExecution inserts the execution or overwrites the stored row with its current state.
func (s *SQLiteStore) UpsertExecution(ctx context.Context, e *domain.Execution) error {
	var completedAt sql.NullTime
	if e.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *e.CompletedAt, Valid: true}
	}
	var totalDuration sql.NullInt64
	if e.TotalDuration != nil {
		totalDuration = sql.NullInt64{Int64: *e.TotalDuration, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, persona, command, user_id, status, started, started_at, completed_at, total_duration, result, error_details, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
			persona = excluded.persona,
			command = excluded.command,
			user_id = excluded.user_id,
			status = excluded.status,
			started = excluded.started,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			total_duration = excluded.total_duration,
			result = excluded.result,
			error_details = excluded.error_details,
			updated_at = excluded.updated_at`,
		e.ExecutionID, e.Persona, e.Command, e.UserID, string(e.Status), e.Started, e.StartedAt,
		completedAt, totalDuration, nullStringBytes(e.Result), nullStringBytes(e.ErrorDetails), time.Now())
	return err
}

// GetExecution returns the stored execution, or nil when none exists.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, persona, command, user_id, status, started, started_at, completed_at, total_duration, result, error_details
		 FROM executions WHERE execution_id = ?`, executionID)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListExecutions returns the most recently updated executions first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit int) ([]domain.Execution, error) {
	query := `SELECT execution_id, persona, command, user_id, status, started, started_at, completed_at, total_duration, result, error_details
		FROM executions ORDER BY updated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var e domain.Execution
	var status string
	var completedAt sql.NullTime
	var totalDuration sql.NullInt64
	var result, errorDetails sql.NullString
	if err := row.Scan(&e.ExecutionID, &e.Persona, &e.Command, &e.UserID, &status, &e.Started, &e.StartedAt,
		&completedAt, &totalDuration, &result, &errorDetails); err != nil {
		return nil, err
	}
	e.Status = domain.ExecutionStatus(status)
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if totalDuration.Valid {
		e.TotalDuration = &totalDuration.Int64
	}
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	if errorDetails.Valid {
		e.ErrorDetails = json.RawMessage(errorDetails.String)
	}
	return &e, nil
}

// CreateEvent appends a received message to the journal.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.JournalEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, execution_id, ts, type, outcome, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.ExecutionID, event.Ts, event.Type, nullString(event.Outcome), nullStringBytes(event.Payload))
	return err
}

// GetEvents returns journal entries for an execution in receive order.
func (s *SQLiteStore) GetEvents(ctx context.Context, executionID string, afterTs int64, types []string, limit int) ([]domain.JournalEvent, error) {
	query := `SELECT event_id, execution_id, ts, type, outcome, payload FROM events WHERE execution_id = ?`
	args := []interface{}{executionID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.JournalEvent
	for rows.Next() {
		var event domain.JournalEvent
		var outcome, payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.ExecutionID, &event.Ts, &event.Type, &outcome, &payload); err != nil {
			return nil, err
		}
		event.Outcome = outcome.String
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
