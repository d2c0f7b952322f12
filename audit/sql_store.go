package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style and trigger syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// SQLStore keeps the audit trail in the audit_log table. The table is
// protected by triggers that abort every UPDATE and DELETE.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore creates the schema if needed and returns a store over db.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported audit dialect %q", dialect)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}
	return s, nil
}

const createTable = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	sequence BIGINT NOT NULL UNIQUE,
	level TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	escalation_id TEXT NOT NULL DEFAULT '',
	source_address TEXT NOT NULL DEFAULT '',
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT 'null',
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL
)`

var createIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log (actor_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log (resource_type, resource_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log (timestamp)`,
}

var sqliteTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END`,
}

var postgresTriggers = []string{
	`CREATE OR REPLACE FUNCTION audit_log_append_only() RETURNS trigger AS $$
	BEGIN RAISE EXCEPTION 'audit_log is append-only'; END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS audit_log_append_only ON audit_log`,
	`CREATE TRIGGER audit_log_append_only BEFORE UPDATE OR DELETE ON audit_log
	FOR EACH ROW EXECUTE FUNCTION audit_log_append_only()`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := append([]string{createTable}, createIndexes...)
	if s.dialect == DialectPostgres {
		stmts = append(stmts, postgresTriggers...)
	} else {
		stmts = append(stmts, sqliteTriggers...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const insertEntry = `INSERT INTO audit_log (
	id, sequence, level, timestamp, actor_id, operation, escalation_id, source_address,
	resource_type, resource_id, outcome, details, previous_hash, hash
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLStore) Insert(ctx context.Context, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encoding details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(insertEntry),
		e.ID, int64(e.Sequence), e.Level, formatTimestamp(e.Timestamp), e.ActorID, e.Operation,
		e.EscalationID, e.SourceAddress, e.ResourceType, e.ResourceID, string(e.Outcome),
		string(details), e.PreviousHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, sequence, level, timestamp, actor_id, operation, escalation_id,
	source_address, resource_type, resource_id, outcome, details, previous_hash, hash
	FROM audit_log`

func (s *SQLStore) Find(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if f.ResourceType != "" {
		add("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = ?", f.ResourceID)
	}
	if f.Operation != "" {
		add("operation = ?", f.Operation)
	}
	if f.Level != "" {
		add("level = ?", f.Level)
	}
	if f.Outcome != "" {
		add("outcome = ?", string(f.Outcome))
	}
	if !f.Since.IsZero() {
		add("timestamp >= ?", formatTimestamp(f.Since))
	}
	if !f.Until.IsZero() {
		add("timestamp <= ?", formatTimestamp(f.Until))
	}

	var q strings.Builder
	q.WriteString(selectColumns)
	if len(where) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY timestamp DESC, sequence DESC")
	if f.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	} else if f.Offset > 0 && s.dialect == DialectSQLite {
		q.WriteString(" LIMIT -1")
	}
	if f.Offset > 0 {
		q.WriteString(" OFFSET ?")
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *SQLStore) Last(ctx context.Context) (*Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY sequence DESC LIMIT 1")
	if err != nil {
		return nil, fmt.Errorf("failed to read audit head: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e         Entry
		seq       int64
		timestamp string
		outcome   string
		details   string
	)
	err := rows.Scan(&e.ID, &seq, &e.Level, &timestamp, &e.ActorID, &e.Operation, &e.EscalationID,
		&e.SourceAddress, &e.ResourceType, &e.ResourceID, &outcome, &details, &e.PreviousHash, &e.Hash)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	e.Sequence = uint64(seq)
	e.Outcome = Outcome(outcome)
	e.Timestamp, err = time.Parse(timestampLayout, timestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to parse audit timestamp %q: %w", timestamp, err)
	}
	if details != "" && details != "null" {
		e.Details, err = decodeDetails([]byte(details))
		if err != nil {
			return Entry{}, fmt.Errorf("failed to decode audit details: %w", err)
		}
	}
	return e, nil
}

// rebind rewrites ? placeholders to $n for postgres.
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
