package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("store: not found")

// Dialect captures the SQL differences between the supported engines.
type Dialect interface {
	Name() string
	// Placeholder returns the bind marker for the n-th argument, starting at 1.
	Placeholder(n int) string
	QuoteIdent(name string) string
	// BindValue converts a domain value into something the driver accepts.
	BindValue(value any) any
	// DatePart extracts year, month or day from expr as an integer.
	DatePart(part, expr string) string
}

// Result is a fully materialized query result.
type Result struct {
	Columns []string
	Rows    [][]any
}

// DB is the read-only query surface over the university database.
type DB struct {
	sql     *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{sql: db, dialect: dialect}
}

func (d *DB) Dialect() Dialect { return d.dialect }

func (d *DB) SQL() *sql.DB { return d.sql }

func (d *DB) HealthCheck(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("store is not configured")
	}
	if err := d.sql.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Query runs a statement and materializes every row with normalized values.
func (d *DB) Query(ctx context.Context, query string, args ...any) (Result, error) {
	bound := make([]any, len(args))
	for i, arg := range args {
		bound[i] = d.dialect.BindValue(arg)
	}
	rows, err := d.sql.QueryContext(ctx, query, bound...)
	if err != nil {
		return Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	converter, _ := d.dialect.(ValueConverter)
	return scanAll(rows, converter)
}

// QueryRow runs a statement expected to return at most one row.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) ([]any, []string, error) {
	result, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	if len(result.Rows) == 0 {
		return nil, result.Columns, ErrNotFound
	}
	return result.Rows[0], result.Columns, nil
}
