// Package sqlstore backs access pools with database/sql. One *sql.DB is
// opened per privilege level, sized to that level's budget.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/hengadev/medguard/access"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported database driver")
	ErrEmptyQuery        = errors.New("operation has no query")
)

// Connector opens one database handle per privilege level.
type Connector struct {
	driver          string
	dsn             string
	dsns            map[access.Level]string
	connMaxLifetime time.Duration
	logger          *zap.Logger
}

type Option func(*Connector)

// WithLevelDSN uses a distinct DSN for level, typically a database role
// whose grants match the level.
func WithLevelDSN(level access.Level, dsn string) Option {
	return func(c *Connector) { c.dsns[level] = dsn }
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(c *Connector) { c.connMaxLifetime = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewConnector(driver, dsn string, opts ...Option) (*Connector, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	c := &Connector{
		driver: driver,
		dsn:    dsn,
		dsns:   make(map[access.Level]string),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect opens and pings a pool capped at maxConns connections.
func (c *Connector) Connect(ctx context.Context, level access.Level, maxConns int) (access.Store, error) {
	dsn := c.dsn
	if d, ok := c.dsns[level]; ok {
		dsn = d
	}

	db, err := sql.Open(c.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if c.connMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.connMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c.logger.Debug("database pool opened",
		zap.String("level", level.String()),
		zap.String("driver", c.driver),
		zap.Int("max_conns", maxConns),
	)
	return New(db), nil
}

// Store runs operations against a *sql.DB.
type Store struct {
	db *sql.DB
}

// New wraps an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Do runs op.Query. Statements that return rows (SELECT, WITH, VALUES,
// SHOW, EXPLAIN, PRAGMA) are queried and their rows returned; anything else
// is executed and its affected row count returned.
func (s *Store) Do(ctx context.Context, op access.Operation) (*access.Result, error) {
	if strings.TrimSpace(op.Query) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyQuery, op.Name)
	}

	if returnsRows(op.Query) {
		rows, err := s.db.QueryContext(ctx, op.Query, op.Args...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op.Name, err)
		}
		defer func() { _ = rows.Close() }()

		out, err := scanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op.Name, err)
		}
		return &access.Result{Rows: out}, nil
	}

	res, err := s.db.ExecContext(ctx, op.Query, op.Args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op.Name, err)
	}
	return &access.Result{RowsAffected: n}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func returnsRows(query string) bool {
	fields := strings.FieldsFunc(query, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "select", "with", "values", "show", "explain", "pragma":
		return true
	}
	return false
}

func scanRows(rows *sql.Rows) ([]access.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]access.Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(access.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
