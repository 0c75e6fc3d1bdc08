package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edunexus/edunexus/internal/schema"
)

// Source reads table metadata from the duckdb_* catalog functions.
type Source struct {
	db     *sql.DB
	schema string
}

func NewSource(db *sql.DB, schemaName string) *Source {
	if schemaName == "" || schemaName == "public" {
		schemaName = "main"
	}
	return &Source{db: db, schema: schemaName}
}

func (s *Source) Engine() string { return "DuckDB" }

func (s *Source) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT table_name
FROM duckdb_tables()
WHERE schema_name = ?
  AND NOT internal
ORDER BY table_name`, s.schema)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]string, 0, 32)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (s *Source) Columns(ctx context.Context) (map[string][]schema.Column, error) {
	primary, err := s.primaryKeys(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT table_name, column_name, data_type, NOT is_nullable, column_default
FROM duckdb_columns()
WHERE schema_name = ?
  AND NOT internal
ORDER BY table_name, column_index`, s.schema)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string][]schema.Column{}
	for rows.Next() {
		var (
			table  string
			column schema.Column
			dflt   sql.NullString
		)
		if err := rows.Scan(&table, &column.Name, &column.Type, &column.NotNull, &dflt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if dflt.Valid {
			value := dflt.String
			column.Default = &value
		}
		column.PrimaryKey = primary[table+"."+column.Name]
		out[table] = append(out[table], column)
	}
	return out, rows.Err()
}

func (s *Source) primaryKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT table_name, unnest(constraint_column_names) AS column_name
FROM duckdb_constraints()
WHERE schema_name = ?
  AND constraint_type = 'PRIMARY KEY'`, s.schema)
	if err != nil {
		return nil, fmt.Errorf("query primary keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]bool{}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("scan primary key: %w", err)
		}
		out[table+"."+column] = true
	}
	return out, rows.Err()
}

func (s *Source) ForeignKeys(ctx context.Context) (map[string][]schema.ForeignKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
	table_name,
	unnest(constraint_column_names) AS column_name,
	referenced_table,
	unnest(referenced_column_names) AS ref_column
FROM duckdb_constraints()
WHERE schema_name = ?
  AND constraint_type = 'FOREIGN KEY'
ORDER BY table_name, constraint_index`, s.schema)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string][]schema.ForeignKey{}
	for rows.Next() {
		var (
			table string
			fk    schema.ForeignKey
		)
		if err := rows.Scan(&table, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		out[table] = append(out[table], fk)
	}
	return out, rows.Err()
}
