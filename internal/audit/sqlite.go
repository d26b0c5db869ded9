package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteSink mirrors audit records into a SQLite table so they can be queried.
// The JSON log stays the source of truth.
type SQLiteSink struct {
	db *sql.DB
}

var _ Sink = (*SQLiteSink)(nil)

// NewSQLiteSink opens the database at dbPath and creates the schema.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer keeps inserts serialized without relying on busy retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
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
		`CREATE TABLE IF NOT EXISTS audit_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			event TEXT NOT NULL,
			request_id TEXT,
			method TEXT,
			path TEXT,
			status INTEGER,
			outcome TEXT,
			reason TEXT,
			error_type TEXT,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_event ON audit_records(event)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_outcome ON audit_records(outcome)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_request ON audit_records(request_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Append inserts rec with its searchable columns and the full JSON payload.
func (s *SQLiteSink) Append(rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	var method, path, outcome, reason sql.NullString
	var status sql.NullInt64
	if rec.HTTP != nil {
		method = sql.NullString{String: rec.HTTP.Method, Valid: true}
		path = sql.NullString{String: rec.HTTP.Path, Valid: true}
		status = sql.NullInt64{Int64: int64(rec.HTTP.Status), Valid: true}
	}
	if rec.Turn != nil {
		outcome = sql.NullString{String: rec.Turn.Outcome, Valid: true}
		reason = sql.NullString{String: rec.Turn.Reason, Valid: rec.Turn.Reason != ""}
	}

	query := `INSERT INTO audit_records
		(ts, event, request_id, method, path, status, outcome, reason, error_type, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Audit writes are not tied to any request lifetime.
	_, err = s.db.ExecContext(context.Background(), query,
		rec.Timestamp, string(rec.Event), rec.RequestID, method, path, status,
		outcome, reason, rec.ErrorType, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM audit_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByOutcome groups turn-bearing records by outcome and reason.
func (s *SQLiteSink) CountByOutcome(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COALESCE(reason, ''), COUNT(*) FROM audit_records
		 WHERE outcome IS NOT NULL GROUP BY outcome, reason`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome, reason string
		var n int
		if err := rows.Scan(&outcome, &reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		key := outcome
		if reason != "" {
			key = outcome + "/" + reason
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
