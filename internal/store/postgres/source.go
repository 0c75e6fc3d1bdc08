package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edunexus/edunexus/internal/schema"
)

// Source reads table metadata from information_schema.
type Source struct {
	db     *sql.DB
	schema string
}

func NewSource(db *sql.DB, schemaName string) *Source {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Source{db: db, schema: schemaName}
}

func (s *Source) Engine() string { return "PostgreSQL" }

func (s *Source) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1
  AND table_type = 'BASE TABLE'
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
	rows, err := s.db.QueryContext(ctx, `
SELECT
	c.table_name,
	c.column_name,
	UPPER(c.data_type),
	c.is_nullable = 'NO' AS not_null,
	c.column_default,
	COALESCE(pk.is_pk, false) AS is_primary
FROM information_schema.columns c
LEFT JOIN (
	SELECT DISTINCT kcu.table_name, kcu.column_name, true AS is_pk
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
	  ON tc.constraint_name = kcu.constraint_name
	 AND tc.table_schema = kcu.table_schema
	WHERE tc.constraint_type = 'PRIMARY KEY'
	  AND tc.table_schema = $1
) pk ON c.table_name = pk.table_name AND c.column_name = pk.column_name
WHERE c.table_schema = $1
ORDER BY c.table_name, c.ordinal_position`, s.schema)
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
		if err := rows.Scan(&table, &column.Name, &column.Type, &column.NotNull, &dflt, &column.PrimaryKey); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if dflt.Valid {
			value := dflt.String
			column.Default = &value
		}
		out[table] = append(out[table], column)
	}
	return out, rows.Err()
}

func (s *Source) ForeignKeys(ctx context.Context) (map[string][]schema.ForeignKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
	kcu.table_name,
	kcu.column_name,
	ccu.table_name AS ref_table,
	ccu.column_name AS ref_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name
 AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = $1
ORDER BY kcu.table_name, kcu.ordinal_position`, s.schema)
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
