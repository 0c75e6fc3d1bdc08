package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/edunexus/edunexus/internal/schema"
)

// Source reads table metadata from sqlite_master and the table_info and
// foreign_key_list pragmas.
type Source struct {
	db *sql.DB
}

func NewSource(db *sql.DB) *Source {
	return &Source{db: db}
}

func (s *Source) Engine() string { return "SQLite" }

func (s *Source) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name
FROM sqlite_master
WHERE type = 'table'
  AND name NOT LIKE 'sqlite_%'
ORDER BY name`)
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
SELECT m.name, p.name, p.type, p."notnull", p.dflt_value, p.pk
FROM sqlite_master m
JOIN pragma_table_info(m.name) p
WHERE m.type = 'table'
ORDER BY m.name, p.cid`)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string][]schema.Column{}
	for rows.Next() {
		var (
			table   string
			column  schema.Column
			notNull int64
			dflt    sql.NullString
			pk      int64
		)
		if err := rows.Scan(&table, &column.Name, &column.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		column.NotNull = notNull != 0
		column.PrimaryKey = pk != 0
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
SELECT m.name, f."from", f."table", f."to"
FROM sqlite_master m
JOIN pragma_foreign_key_list(m.name) f
WHERE m.type = 'table'
ORDER BY m.name, f.id, f.seq`)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string][]schema.ForeignKey{}
	for rows.Next() {
		var (
			table string
			fk    schema.ForeignKey
			to    sql.NullString
		)
		if err := rows.Scan(&table, &fk.Column, &fk.RefTable, &to); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fk.RefColumn = to.String
		if !to.Valid {
			fk.RefColumn = "id"
		}
		out[table] = append(out[table], fk)
	}
	return out, rows.Err()
}
