package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists turn records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens dsn with the sqlite driver.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Record stores a single turn record.
func (s *SQLiteStore) Record(ctx context.Context, rec Record) error {
	rec.StartedAt = normalizeTime(rec.StartedAt)
	rec.FinishedAt = normalizeTime(rec.FinishedAt)
	payload, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turn_audit (agent_id, agent_version, session_id, turn_id, event_kind, degraded, record_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.AgentID,
		rec.AgentVersion,
		rec.SessionID,
		rec.TurnID,
		rec.EventKind,
		rec.Degraded,
		string(payload),
		rec.StartedAt.UnixNano(),
	)
	return err
}

// List returns records matching the filter, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := `SELECT record_json FROM turn_audit`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.AgentID != "" {
		addFilter("agent_id = ?", filter.AgentID)
	}
	if filter.SessionID != "" {
		addFilter("session_id = ?", filter.SessionID)
	}
	if filter.TurnID != "" {
		addFilter("turn_id = ?", filter.TurnID)
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turn_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			agent_version INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			degraded INTEGER NOT NULL DEFAULT 0,
			record_json TEXT NOT NULL,
			started_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turn_audit_session ON turn_audit(session_id);
		CREATE INDEX IF NOT EXISTS idx_turn_audit_agent ON turn_audit(agent_id);
	`)
	return err
}
