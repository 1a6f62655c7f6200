// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/journey"
)

// Dialect selects SQL placeholder and DDL flavor.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists sessions in SQLite or PostgreSQL. Transcript entries
// are written as append-only rows.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLStore opens driver ("sqlite" or "postgres") at dsn and ensures
// the schema exists.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect := Dialect(driver)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, errors.Newf(errors.CodeConfiguration, "unsupported session store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "open session store", err)
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and ensures the schema exists.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeConfiguration, "db is nil", nil)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, errors.New(errors.CodeStorage, "create session schema", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the database handle so other stores can share it.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			journey_json TEXT NOT NULL,
			variables_json TEXT NOT NULL,
			satisfied_json TEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_transcript (
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			source TEXT NOT NULL,
			text TEXT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS customer_variables (
			agent_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value_json TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (agent_id, customer_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions (agent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a session and its full transcript.
func (s *SQLStore) Load(ctx context.Context, id string) (*Session, error) {
	var (
		sess                                   Session
		mode, journeyJSON, varsJSON, satisJSON string
		created, updated                       int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, agent_id, customer_id, mode, journey_json, variables_json, satisfied_json, version, created_at, updated_at
		FROM sessions WHERE id = ?`), id).
		Scan(&sess.ID, &sess.AgentID, &sess.CustomerID, &mode, &journeyJSON, &varsJSON, &satisJSON, &sess.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, "session not found", nil).WithContext("session_id", id)
	}
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "load session", err).WithContext("session_id", id)
	}
	sess.Mode = Mode(mode)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	sess.Journey = journey.Idle()
	if err := decodeJSON(journeyJSON, &sess.Journey); err != nil {
		return nil, err
	}
	sess.Variables = map[string]any{}
	if err := decodeJSON(varsJSON, &sess.Variables); err != nil {
		return nil, err
	}
	var satisfied []string
	if err := decodeJSON(satisJSON, &satisfied); err != nil {
		return nil, err
	}
	sess.Satisfied = make(map[string]bool, len(satisfied))
	for _, g := range satisfied {
		sess.Satisfied[g] = true
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT source, text, turn_id, created_at FROM session_transcript
		WHERE session_id = ? ORDER BY seq ASC`), id)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "load transcript", err).WithContext("session_id", id)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m  Message
			at int64
		)
		if err := rows.Scan(&m.Source, &m.Text, &m.TurnID, &at); err != nil {
			return nil, errors.New(errors.CodeStorage, "scan transcript", err)
		}
		m.At = time.Unix(0, at).UTC()
		sess.Transcript = append(sess.Transcript, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStorage, "load transcript", err)
	}
	return &sess, nil
}

// Create inserts a new session.
func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM sessions WHERE id = ?`), sess.ID).Scan(&exists)
		if err != nil {
			return errors.New(errors.CodeStorage, "check session", err)
		}
		if exists > 0 {
			return errors.New(errors.CodeSessionConflict, "session already exists", nil).WithContext("session_id", sess.ID)
		}
		cols, err := encodeColumns(sess)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO sessions (id, agent_id, customer_id, mode, journey_json, variables_json, satisfied_json, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			sess.ID, sess.AgentID, sess.CustomerID, string(sess.Mode),
			cols.journey, cols.variables, cols.satisfied, sess.Version,
			sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return errors.New(errors.CodeStorage, "insert session", err)
		}
		return s.appendTranscript(ctx, tx, sess, 0)
	})
}

// Save writes the session if the stored version matches and appends the
// transcript entries not yet persisted.
func (s *SQLStore) Save(ctx context.Context, sess *Session) error {
	cols, err := encodeColumns(sess)
	if err != nil {
		return err
	}
	updated := time.Now().UTC()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE sessions
			SET mode = ?, journey_json = ?, variables_json = ?, satisfied_json = ?, customer_id = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`),
			string(sess.Mode), cols.journey, cols.variables, cols.satisfied, sess.CustomerID,
			updated.UnixNano(), sess.ID, sess.Version,
		)
		if err != nil {
			return errors.New(errors.CodeStorage, "update session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.New(errors.CodeStorage, "update session", err)
		}
		if n == 0 {
			var stored int64
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT version FROM sessions WHERE id = ?`), sess.ID).Scan(&stored)
			if err == sql.ErrNoRows {
				return errors.New(errors.CodeNotFound, "session not found", nil).WithContext("session_id", sess.ID)
			}
			if err != nil {
				return errors.New(errors.CodeStorage, "read session version", err)
			}
			return conflict(sess.ID, stored, sess.Version)
		}

		var persisted int
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM session_transcript WHERE session_id = ?`), sess.ID).Scan(&persisted)
		if err != nil {
			return errors.New(errors.CodeStorage, "count transcript", err)
		}
		if persisted > len(sess.Transcript) {
			return errors.New(errors.CodeInvalidInput, "transcript is append-only", nil).WithContext("session_id", sess.ID)
		}
		return s.appendTranscript(ctx, tx, sess, persisted)
	})
	if err != nil {
		return err
	}
	sess.Version++
	sess.UpdatedAt = updated
	return nil
}

// LoadCustomer reads the customer's variables.
func (s *SQLStore) LoadCustomer(ctx context.Context, agentID, customerID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT name, value_json FROM customer_variables
		WHERE agent_id = ? AND customer_id = ?`), agentID, customerID)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "load customer variables", err).WithContext("customer_id", customerID)
	}
	defer rows.Close()
	vars := map[string]any{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, errors.New(errors.CodeStorage, "scan customer variable", err)
		}
		var v any
		if err := decodeJSON(raw, &v); err != nil {
			return nil, err
		}
		vars[name] = v
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStorage, "load customer variables", err)
	}
	return vars, nil
}

// SaveCustomer upserts each of vars for the customer.
func (s *SQLStore) SaveCustomer(ctx context.Context, agentID, customerID string, vars map[string]any) error {
	if customerID == "" {
		return errors.New(errors.CodeInvalidInput, "customer id is required", nil)
	}
	now := time.Now().UTC().UnixNano()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`
			INSERT INTO customer_variables (agent_id, customer_id, name, value_json, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (agent_id, customer_id, name)
			DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`))
		if err != nil {
			return errors.New(errors.CodeStorage, "prepare customer variable upsert", err)
		}
		defer stmt.Close()
		for name, v := range vars {
			raw, err := json.Marshal(v)
			if err != nil {
				return errors.New(errors.CodeInvalidInput, "encode customer variable", err).WithContext("name", name)
			}
			if _, err := stmt.ExecContext(ctx, agentID, customerID, name, string(raw), now); err != nil {
				return errors.New(errors.CodeStorage, "save customer variable", err).WithContext("name", name)
			}
		}
		return nil
	})
}

func (s *SQLStore) appendTranscript(ctx context.Context, tx *sql.Tx, sess *Session, from int) error {
	if from >= len(sess.Transcript) {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO session_transcript (session_id, seq, source, text, turn_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return errors.New(errors.CodeStorage, "prepare transcript insert", err)
	}
	defer stmt.Close()
	for i := from; i < len(sess.Transcript); i++ {
		m := sess.Transcript[i]
		if _, err := stmt.ExecContext(ctx, sess.ID, i, m.Source, m.Text, m.TurnID, m.At.UnixNano()); err != nil {
			return errors.New(errors.CodeStorage, "append transcript", err).WithContext("seq", i)
		}
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeStorage, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeStorage, "commit transaction", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type columns struct {
	journey, variables, satisfied string
}

func encodeColumns(sess *Session) (columns, error) {
	var c columns
	for _, item := range []struct {
		dst *string
		v   any
	}{
		{&c.journey, sess.Journey},
		{&c.variables, nonNilMap(sess.Variables)},
		{&c.satisfied, sess.SatisfiedIDs()},
	} {
		raw, err := json.Marshal(item.v)
		if err != nil {
			return c, errors.New(errors.CodeInvalidInput, "encode session", err).WithContext("session_id", sess.ID)
		}
		*item.dst = string(raw)
	}
	return c, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func decodeJSON(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return errors.New(errors.CodeStorage, fmt.Sprintf("decode session column: %v", err), err)
	}
	return nil
}
